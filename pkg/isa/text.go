package isa

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
)

// readText reads up to n bytes of process memory at addr. Reads stop short
// at the end of a mapping.
func readText(memPath string, addr uint64, n int) ([]byte, error) {
	f, err := os.Open(memPath)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	buf := make([]byte, n)
	read, err := f.ReadAt(buf, int64(addr))
	if err != nil && !errors.Is(err, io.EOF) && read == 0 {
		return nil, fmt.Errorf("reading %#x: %w", addr, err)
	}
	if read == 0 {
		return nil, fmt.Errorf("reading %#x: %w", addr, io.ErrUnexpectedEOF)
	}
	return buf[:read], nil
}

// restoreText writes instr back at addr unless the text already matches.
func restoreText(memPath string, addr uint64, instr []byte) error {
	f, err := os.OpenFile(memPath, os.O_RDWR, 0)
	if err != nil {
		return err
	}
	defer f.Close()

	cur := make([]byte, len(instr))
	if _, err := f.ReadAt(cur, int64(addr)); err != nil {
		return fmt.Errorf("reading %#x: %w", addr, err)
	}
	if bytes.Equal(cur, instr) {
		return nil
	}
	if _, err := f.WriteAt(instr, int64(addr)); err != nil {
		return fmt.Errorf("writing %#x: %w", addr, err)
	}
	return nil
}
