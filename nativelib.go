package voicebridge

import (
	"os"
	"path/filepath"
	"runtime"
)

func pathExists(p string) bool {
	_, err := os.Stat(p)
	return err == nil
}

// libDir is the directory name under which platform-specific native
// libraries are stored (e.g. lib/darwin_arm64/libonnxruntime.dylib).
const libDir = "lib"

// dataDir is the directory where ONNX models and optionally the runtime are
// stored (e.g. data/silero_vad.onnx, data/onnxruntime_arm64.dylib).
const dataDir = "data"

// candidateBaseDirs returns base directories to search for bundled native
// libraries: working directory first, then the running executable's.
func candidateBaseDirs() []string {
	cwd, _ := os.Getwd()
	exe, err := os.Executable()
	if err != nil {
		return []string{cwd}
	}
	exeDir := filepath.Dir(exe)
	if exeDir == cwd {
		return []string{cwd}
	}
	return []string{cwd, exeDir}
}

// ortLibNames returns candidate filenames for the ONNX Runtime shared
// library on the current OS. Linux releases ship versioned .so files.
func ortLibNames() []string {
	switch runtime.GOOS {
	case "darwin":
		return []string{"libonnxruntime.dylib"}
	case "windows":
		return []string{"onnxruntime.dll"}
	default:
		return []string{"libonnxruntime.so.1.23.2", "libonnxruntime.so"}
	}
}

// ortDataDirName returns the runtime library filename when stored in data/
// (e.g. onnxruntime_arm64.dylib, onnxruntime_amd64.so).
func ortDataDirName() string {
	switch runtime.GOOS {
	case "darwin":
		return "onnxruntime_" + runtime.GOARCH + ".dylib"
	case "windows":
		return "onnxruntime.dll"
	default:
		return "onnxruntime_" + runtime.GOARCH + ".so"
	}
}

func platformDir() string {
	return runtime.GOOS + "_" + runtime.GOARCH
}

// resolveBundledORTLib returns the first existing ONNX Runtime library path:
// data/ with platform-specific names first, then lib/<GOOS_GOARCH>/.
func resolveBundledORTLib(baseDirs []string) string {
	platform := platformDir()
	dataName := ortDataDirName()
	for _, base := range baseDirs {
		if base == "" {
			continue
		}
		p := filepath.Join(base, dataDir, dataName)
		if pathExists(p) {
			return p
		}
	}
	for _, base := range baseDirs {
		if base == "" {
			continue
		}
		for _, name := range ortLibNames() {
			p := filepath.Join(base, libDir, platform, name)
			if pathExists(p) {
				return p
			}
		}
	}
	return ""
}

// aecLibName is the filename of the echo-cancelling capture library.
func aecLibName() string {
	switch runtime.GOOS {
	case "darwin":
		return "libAudioCapture.dylib"
	case "windows":
		return "AudioCapture.dll"
	default:
		return "libAudioCapture.so"
	}
}

// resolveAECLibrary returns the path to the native AEC capture library, or
// "" when it cannot be found. override short-circuits the search.
func resolveAECLibrary(override string, baseDirs []string) string {
	if override != "" {
		if pathExists(override) {
			return override
		}
		return ""
	}
	name := aecLibName()
	for _, base := range baseDirs {
		if base == "" {
			continue
		}
		for _, p := range []string{
			filepath.Join(base, libDir, name),
			filepath.Join(base, name),
		} {
			if pathExists(p) {
				return p
			}
		}
	}
	return ""
}
