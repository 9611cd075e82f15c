package binfile

import "errors"

// Error kinds shared by the binary parsers. Callers match them with
// errors.Is; most of them are recoverable (the dso ends up without
// symbols), only malformed input aborts a parse.
var (
	ErrFileNotFound    = errors.New("file not found")
	ErrReadFailed      = errors.New("read failed")
	ErrFileMalformed   = errors.New("file malformed")
	ErrNoSymbolTable   = errors.New("no symbol table")
	ErrNoBuildID       = errors.New("no build id section")
	ErrBuildIDMismatch = errors.New("build id mismatch")
)
