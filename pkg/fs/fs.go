// Copyright 2026 The rpi4os Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package fs is the in-memory filesystem: a tree of up to 64 nodes held
// in an arena and addressed by index. Parent references are indices, so
// the tree carries no ownership cycles; the root's parent is the root
// itself. File content lives in kernel-heap buffers.
package fs

import (
	"errors"
	"strings"

	"rpi4os.dev/rpi4os/pkg/bitmap"
	"rpi4os.dev/rpi4os/pkg/hw"
	"rpi4os.dev/rpi4os/pkg/kheap"
)

// Limits.
const (
	NameMax  = 31
	PathMax  = 128
	MaxNodes = 64
	MaxData  = 4096
)

// NodeType tags a node.
type NodeType int

// Node types.
const (
	File NodeType = iota
	Dir
)

// Errors surfaced to shell commands.
var (
	ErrNotFound = errors.New("fs: not found")
	ErrExists   = errors.New("fs: already exists")
	ErrNotDir   = errors.New("fs: not a directory")
	ErrNotFile  = errors.New("fs: not a file")
	ErrNotEmpty = errors.New("fs: directory not empty")
	ErrFull     = errors.New("fs: node pool full")
	ErrTooBig   = errors.New("fs: file too large")
	ErrBadName  = errors.New("fs: bad name")
	ErrNoMemory = errors.New("fs: out of memory")
)

const none = -1

// rootIndex is the arena slot of the root; its parent is itself.
const rootIndex = 0

type node struct {
	name        string
	typ         NodeType
	parent      int32
	firstChild  int32
	nextSibling int32

	// data is the kernel-heap address of the content buffer, 0 for
	// empty files and directories.
	data uint64
	size uint64
}

// FileSystem is the node arena plus the current working directory.
type FileSystem struct {
	heap  *kheap.Heap
	nodes [MaxNodes]node

	// used tracks live arena slots.
	used bitmap.Bitmap

	cwd int32
}

// New returns a filesystem containing only the root directory, which is
// also the working directory.
func New(heap *kheap.Heap) *FileSystem {
	f := &FileSystem{heap: heap, used: bitmap.New(MaxNodes)}
	f.nodes[rootIndex] = node{
		name:        "/",
		typ:         Dir,
		parent:      rootIndex,
		firstChild:  none,
		nextSibling: none,
	}
	f.used.Add(rootIndex)
	f.cwd = rootIndex
	return f
}

func (f *FileSystem) alloc(name string, typ NodeType) (int32, error) {
	idx, err := f.used.FirstZero(0)
	if err != nil || idx >= MaxNodes {
		return none, ErrFull
	}
	f.used.Add(idx)
	f.nodes[idx] = node{
		name:        name,
		typ:         typ,
		parent:      none,
		firstChild:  none,
		nextSibling: none,
	}
	return int32(idx), nil
}

func (f *FileSystem) free(c *hw.Core, idx int32) {
	n := &f.nodes[idx]
	if n.data != 0 {
		f.heap.Free(c, n.data)
	}
	*n = node{parent: none, firstChild: none, nextSibling: none}
	f.used.Remove(uint32(idx))
}

func (f *FileSystem) addChild(dir, child int32) {
	f.nodes[child].parent = dir
	f.nodes[child].nextSibling = f.nodes[dir].firstChild
	f.nodes[dir].firstChild = child
}

func (f *FileSystem) removeChild(dir, child int32) {
	p := &f.nodes[dir].firstChild
	for *p != none {
		if *p == child {
			*p = f.nodes[child].nextSibling
			f.nodes[child].nextSibling = none
			f.nodes[child].parent = none
			return
		}
		p = &f.nodes[*p].nextSibling
	}
}

func (f *FileSystem) findChild(dir int32, name string) int32 {
	if f.nodes[dir].typ != Dir {
		return none
	}
	for ch := f.nodes[dir].firstChild; ch != none; ch = f.nodes[ch].nextSibling {
		if f.nodes[ch].name == name {
			return ch
		}
	}
	return none
}

// Resolve walks path from the root (absolute) or the working directory
// (relative), honouring "." and "..".
func (f *FileSystem) Resolve(path string) (int32, error) {
	if len(path) > PathMax {
		return none, ErrBadName
	}
	cur := f.cwd
	if strings.HasPrefix(path, "/") {
		cur = rootIndex
	}
	for _, comp := range strings.Split(path, "/") {
		switch comp {
		case "", ".":
			continue
		case "..":
			cur = f.nodes[cur].parent
		default:
			ch := f.findChild(cur, comp)
			if ch == none {
				return none, ErrNotFound
			}
			cur = ch
		}
	}
	return cur, nil
}

// splitParent resolves everything but the last component and validates
// the leaf name.
func (f *FileSystem) splitParent(path string) (int32, string, error) {
	path = strings.TrimRight(path, "/")
	if path == "" {
		return none, "", ErrBadName
	}
	slash := strings.LastIndex(path, "/")
	dirPath, name := ".", path
	if slash >= 0 {
		dirPath, name = path[:slash], path[slash+1:]
		if dirPath == "" {
			dirPath = "/"
		}
	}
	if name == "" || name == "." || name == ".." || len(name) > NameMax {
		return none, "", ErrBadName
	}
	dir, err := f.Resolve(dirPath)
	if err != nil {
		return none, "", err
	}
	if f.nodes[dir].typ != Dir {
		return none, "", ErrNotDir
	}
	return dir, name, nil
}

func (f *FileSystem) create(path string, typ NodeType) (int32, error) {
	dir, name, err := f.splitParent(path)
	if err != nil {
		return none, err
	}
	if f.findChild(dir, name) != none {
		return none, ErrExists
	}
	idx, err := f.alloc(name, typ)
	if err != nil {
		return none, err
	}
	f.addChild(dir, idx)
	return idx, nil
}

// Mkdir creates a directory.
func (f *FileSystem) Mkdir(path string) error {
	_, err := f.create(path, Dir)
	return err
}

// Rmdir removes an empty directory. The root and non-empty directories
// are refused.
func (f *FileSystem) Rmdir(c *hw.Core, path string) error {
	idx, err := f.Resolve(path)
	if err != nil {
		return err
	}
	if f.nodes[idx].typ != Dir {
		return ErrNotDir
	}
	if idx == rootIndex {
		return ErrNotEmpty
	}
	if f.nodes[idx].firstChild != none {
		return ErrNotEmpty
	}
	// Removing the working directory moves it up to the parent.
	if idx == f.cwd {
		f.cwd = f.nodes[idx].parent
	}
	f.removeChild(f.nodes[idx].parent, idx)
	f.free(c, idx)
	return nil
}

// Touch creates an empty file.
func (f *FileSystem) Touch(path string) error {
	_, err := f.create(path, File)
	return err
}

// WriteFile replaces a file's full content, creating the file if needed.
func (f *FileSystem) WriteFile(c *hw.Core, path string, content []byte) error {
	if len(content) > MaxData {
		return ErrTooBig
	}
	idx, err := f.Resolve(path)
	if err == ErrNotFound {
		idx, err = f.create(path, File)
	}
	if err != nil {
		return err
	}
	n := &f.nodes[idx]
	if n.typ != File {
		return ErrNotFile
	}
	if n.data != 0 {
		f.heap.Free(c, n.data)
		n.data, n.size = 0, 0
	}
	if len(content) == 0 {
		return nil
	}
	buf := f.heap.Alloc(c, uint64(len(content)))
	if buf == 0 {
		return ErrNoMemory
	}
	c.WriteBytes(buf, content)
	n.data = buf
	n.size = uint64(len(content))
	return nil
}

// ReadFile returns a file's content.
func (f *FileSystem) ReadFile(c *hw.Core, path string) ([]byte, error) {
	idx, err := f.Resolve(path)
	if err != nil {
		return nil, err
	}
	n := &f.nodes[idx]
	if n.typ != File {
		return nil, ErrNotFile
	}
	if n.data == 0 {
		return nil, nil
	}
	return c.ReadBytes(n.data, int(n.size)), nil
}

// Rm removes a file.
func (f *FileSystem) Rm(c *hw.Core, path string) error {
	idx, err := f.Resolve(path)
	if err != nil {
		return err
	}
	if f.nodes[idx].typ != File {
		return ErrNotFile
	}
	f.removeChild(f.nodes[idx].parent, idx)
	f.free(c, idx)
	return nil
}

// Entry is one row of a directory listing.
type Entry struct {
	Name string
	Type NodeType
	Size uint64
}

// Ls lists a directory, or the single entry for a file path.
func (f *FileSystem) Ls(path string) ([]Entry, error) {
	idx, err := f.Resolve(path)
	if err != nil {
		return nil, err
	}
	n := &f.nodes[idx]
	if n.typ == File {
		return []Entry{{Name: n.name, Type: File, Size: n.size}}, nil
	}
	var out []Entry
	for ch := n.firstChild; ch != none; ch = f.nodes[ch].nextSibling {
		out = append(out, Entry{
			Name: f.nodes[ch].name,
			Type: f.nodes[ch].typ,
			Size: f.nodes[ch].size,
		})
	}
	return out, nil
}

// Cwd returns the working directory's index.
func (f *FileSystem) Cwd() int32 { return f.cwd }

// SetCwd changes the working directory.
func (f *FileSystem) SetCwd(path string) error {
	idx, err := f.Resolve(path)
	if err != nil {
		return err
	}
	if f.nodes[idx].typ != Dir {
		return ErrNotDir
	}
	f.cwd = idx
	return nil
}

// Path reconstructs a node's absolute path by walking parent indices up
// to the root.
func (f *FileSystem) Path(idx int32) string {
	if idx == rootIndex {
		return "/"
	}
	var parts []string
	for idx != rootIndex {
		parts = append(parts, f.nodes[idx].name)
		idx = f.nodes[idx].parent
	}
	var b strings.Builder
	for i := len(parts) - 1; i >= 0; i-- {
		b.WriteByte('/')
		b.WriteString(parts[i])
	}
	return b.String()
}

// CwdPath returns the working directory's absolute path, for the prompt.
func (f *FileSystem) CwdPath() string {
	return f.Path(f.cwd)
}
