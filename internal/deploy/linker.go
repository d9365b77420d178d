package deploy

import "os"

// Linker performs the symlink operations of the engine. afero has no
// first-class symlink support on its in-memory filesystem, so the engine
// keeps these behind a small interface with a recording fake in tests.
type Linker interface {
	Symlink(oldname, newname string) error
	Rename(oldname, newname string) error
	Remove(name string) error
}

type osLinker struct{}

// NewOsLinker returns the Linker backed by the host filesystem.
func NewOsLinker() Linker {
	return osLinker{}
}

func (osLinker) Symlink(oldname, newname string) error {
	return os.Symlink(oldname, newname)
}

func (osLinker) Rename(oldname, newname string) error {
	return os.Rename(oldname, newname)
}

func (osLinker) Remove(name string) error {
	return os.Remove(name)
}
