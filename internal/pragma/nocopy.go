// Package pragma holds zero-size marker types that change how tooling treats a struct.
package pragma

// DoNotCopy marks a struct as unsafe to copy once in use.
// Embedding it makes `go vet -copylocks` report copies, at no cost in size.
type DoNotCopy struct{}

// Lock only exists for the copylocks checker.
func (*DoNotCopy) Lock() {}

// Unlock only exists for the copylocks checker.
func (*DoNotCopy) Unlock() {}
