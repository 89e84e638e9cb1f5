//go:build ignore

// build.go - license server build script
// Usage: go run build.go [-target=TARGET] [-v]
// Targets: all, server, issuer, test, clean, release

package main

import (
	"flag"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
	"time"
)

const module = "github.com/linlurui/decentri-license"

var (
	rootDir string
	distDir string

	// key = cmd directory, value = output name without extension
	executables = map[string]string{
		"license-server": "license-server",
		"license-issuer": "license-issuer",
	}

	colorReset  = "\033[0m"
	colorRed    = "\033[31m"
	colorGreen  = "\033[32m"
	colorYellow = "\033[33m"
	colorCyan   = "\033[36m"
)

func init() {
	cwd, err := os.Getwd()
	if err != nil {
		panic(fmt.Sprintf("Failed to get current directory: %v", err))
	}
	rootDir = cwd
	distDir = filepath.Join(rootDir, "dist")

	if _, err := os.Stat(filepath.Join(rootDir, "go.mod")); err != nil {
		panic("build.go must be run from the module root")
	}
}

func main() {
	target := flag.String("target", "all", "Build target")
	verbose := flag.Bool("v", false, "Verbose output")
	flag.Parse()

	fmt.Printf("%s=== decentri-license build (%s/%s) ===%s\n", colorCyan, runtime.GOOS, runtime.GOARCH, colorReset)
	start := time.Now()

	switch *target {
	case "all":
		buildAll(*verbose)
	case "server":
		buildExecutable("license-server", *verbose)
	case "issuer":
		buildExecutable("license-issuer", *verbose)
	case "test":
		runTests(*verbose)
	case "clean":
		clean()
	case "release":
		buildRelease(*verbose)
	default:
		showHelp()
		os.Exit(1)
	}

	printSuccess(fmt.Sprintf("Build completed in %s", time.Since(start).Round(time.Millisecond)))
}

func printInfo(msg string)    { fmt.Printf("%s[INFO]%s %s\n", colorCyan, colorReset, msg) }
func printSuccess(msg string) { fmt.Printf("%s[OK]%s %s\n", colorGreen, colorReset, msg) }
func printError(msg string)   { fmt.Printf("%s[ERROR]%s %s\n", colorRed, colorReset, msg) }
func printWarning(msg string) { fmt.Printf("%s[WARN]%s %s\n", colorYellow, colorReset, msg) }

func buildAll(verbose bool) {
	for name := range executables {
		buildExecutable(name, verbose)
	}
}

func ldflags() string {
	pkg := module + "/pkg/contracts"
	flags := []string{
		"-s", "-w",
		fmt.Sprintf("-X %s.BuildTime=%s", pkg, time.Now().UTC().Format(time.RFC3339)),
	}
	if commit := gitOutput("rev-parse", "--short", "HEAD"); commit != "" {
		flags = append(flags, fmt.Sprintf("-X %s.GitCommit=%s", pkg, commit))
	}
	if branch := gitOutput("rev-parse", "--abbrev-ref", "HEAD"); branch != "" {
		flags = append(flags, fmt.Sprintf("-X %s.GitBranch=%s", pkg, branch))
	}
	return strings.Join(flags, " ")
}

func gitOutput(args ...string) string {
	out, err := exec.Command("git", args...).Output()
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(out))
}

func buildExecutable(name string, verbose bool) {
	exeName, ok := executables[name]
	if !ok {
		printError(fmt.Sprintf("Unknown executable: %s", name))
		os.Exit(1)
	}
	if runtime.GOOS == "windows" || os.Getenv("GOOS") == "windows" {
		exeName += ".exe"
	}

	printInfo(fmt.Sprintf("Building %s...", name))
	outputPath := filepath.Join(distDir, exeName)
	args := []string{"build"}
	if verbose {
		args = append(args, "-v")
	}
	args = append(args, "-ldflags", ldflags(), "-o", outputPath, "./cmd/"+name)

	cmd := exec.Command("go", args...)
	cmd.Dir = rootDir
	if verbose {
		fmt.Printf("go %s\n", strings.Join(args, " "))
		cmd.Stdout = os.Stdout
	}
	cmd.Stderr = os.Stderr
	if err := cmd.Run(); err != nil {
		printError(fmt.Sprintf("Failed to build %s: %v", name, err))
		os.Exit(1)
	}

	if info, err := os.Stat(outputPath); err == nil {
		printSuccess(fmt.Sprintf("Built %s (%.1f MB)", exeName, float64(info.Size())/1024/1024))
	}
}

func runTests(verbose bool) {
	printInfo("Running Go tests...")
	args := []string{"test", "-race"}
	if verbose {
		args = append(args, "-v")
	}
	args = append(args, "./...")

	cmd := exec.Command("go", args...)
	cmd.Dir = rootDir
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	if err := cmd.Run(); err != nil {
		printError(fmt.Sprintf("Go tests failed: %v", err))
		os.Exit(1)
	}
	printSuccess("All tests passed")
}

func clean() {
	printInfo("Cleaning build artifacts...")
	if err := os.RemoveAll(distDir); err != nil {
		printError(fmt.Sprintf("Failed to clean dist directory: %v", err))
	}
	printSuccess("Build artifacts cleaned")
}

// buildRelease keeps cgo enabled: the sqlite archive backend needs it.
func buildRelease(verbose bool) {
	printInfo("Building release version...")
	clean()
	if os.Getenv("CGO_ENABLED") == "0" {
		printWarning("CGO_ENABLED=0: the sqlite archive backend will not be available")
	}
	buildAll(verbose)

	if err := os.MkdirAll(distDir, 0o755); err != nil {
		printError(err.Error())
		os.Exit(1)
	}
	content := fmt.Sprintf("decentri-license\nBuilt: %s\n", time.Now().Format("2006-01-02 15:04:05"))
	if err := os.WriteFile(filepath.Join(distDir, "VERSION.txt"), []byte(content), 0o644); err != nil {
		printError(err.Error())
	}
	printSuccess("Release build completed")
}

func showHelp() {
	fmt.Println(`Usage: go run build.go [-target=TARGET] [-v]

Targets:
  all      build license-server and license-issuer (default)
  server   build license-server
  issuer   build license-issuer
  test     run go test -race ./...
  clean    remove dist/
  release  clean, then build all`)
}
