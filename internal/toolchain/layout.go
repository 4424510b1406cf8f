package toolchain

import (
	"os"
	"path/filepath"
	"runtime"

	"github.com/Norgate-AV/sbfbuild/internal/codes"
)

// Layout locates the tools inside an installed platform-tools tree
type Layout struct {
	Root string
}

func (l Layout) bin(parts ...string) string {
	p := filepath.Join(append([]string{l.Root}, parts...)...)
	if runtime.GOOS == "windows" {
		p += ".exe"
	}

	return p
}

// Rustc is the cross-compiling rustc
func (l Layout) Rustc() string { return l.bin("rust", "bin", "rustc") }

// Clang is the C compiler used for build scripts targeting SBF
func (l Layout) Clang() string { return l.bin("llvm", "bin", "clang") }

// Linker is the LLD driver used to link SBF shared objects
func (l Layout) Linker() string { return l.bin("llvm", "bin", "ld.lld") }

// Ar is the LLVM archiver
func (l Layout) Ar() string { return l.bin("llvm", "bin", "llvm-ar") }

// Objdump is the LLVM disassembler
func (l Layout) Objdump() string { return l.bin("llvm", "bin", "llvm-objdump") }

// Objcopy is the LLVM object copier
func (l Layout) Objcopy() string { return l.bin("llvm", "bin", "llvm-objcopy") }

// Sysroot is the rust sysroot holding the SBF standard library
func (l Layout) Sysroot() string { return filepath.Join(l.Root, "rust") }

// Validate checks the tools a build depends on are present
func (l Layout) Validate() error {
	for _, p := range []string{l.Rustc(), l.Linker()} {
		if _, err := os.Stat(p); err != nil {
			return codes.Errorf(codes.KindExtraction, "resolve", "toolchain at %s is incomplete: %w", l.Root, err)
		}
	}

	return nil
}
