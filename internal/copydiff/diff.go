package copydiff

import (
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/atomize-hq/substrate/internal/diffmodel"
)

type entryMeta struct {
	path           string
	kind           byte // 'f', 'd', 'l'
	mode           os.FileMode
	size           int64
	symlinkTarget  string
}

func walkTree(root string) (map[string]entryMeta, error) {
	out := make(map[string]entryMeta)
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(root, path)
		if err != nil || rel == "." {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		m := entryMeta{path: path, mode: info.Mode()}
		switch {
		case d.IsDir():
			m.kind = 'd'
		case info.Mode()&os.ModeSymlink != 0:
			m.kind = 'l'
			target, err := os.Readlink(path)
			if err == nil {
				m.symlinkTarget = target
			}
		default:
			m.kind = 'f'
			m.size = info.Size()
		}
		out[rel] = m
		return nil
	})
	return out, err
}

// computeDiff walks base and work, classifying each relative path as a
// write (only in work), delete (only in base), or mod (present in both but
// different). Directory metadata is ignored to reduce noise. A type change
// (e.g. file replaced by a directory) is modelled as delete+write.
func computeDiff(base, work string) (diffmodel.FsDiff, error) {
	baseEntries, err := walkTree(base)
	if err != nil {
		return diffmodel.FsDiff{}, err
	}
	workEntries, err := walkTree(work)
	if err != nil {
		return diffmodel.FsDiff{}, err
	}

	b := diffmodel.NewBuilder()

	for rel, w := range workEntries {
		bm, inBase := baseEntries[rel]
		if !inBase {
			b.AddWrite(rel)
			continue
		}
		if bm.kind != w.kind {
			b.AddDelete(rel)
			b.AddWrite(rel)
			continue
		}
		switch w.kind {
		case 'd':
			// directory metadata not tracked
		case 'l':
			if bm.symlinkTarget != w.symlinkTarget {
				b.AddMod(rel, 0)
			}
		case 'f':
			changed, sampled := filesDiffer(bm, w)
			if changed {
				b.AddMod(rel, sampled)
			}
		}
	}
	for rel := range baseEntries {
		if _, inWork := workEntries[rel]; !inWork {
			b.AddDelete(rel)
		}
	}

	return b.Build(), nil
}

// filesDiffer compares size first, then an 8KiB head sample of content when
// sizes match, to avoid reading whole large files for a common-case compare.
func filesDiffer(a, b entryMeta) (bool, int) {
	if a.size != b.size {
		return true, 0
	}
	if a.mode.Perm() != b.mode.Perm() {
		return true, 0
	}
	af, err := os.Open(a.path)
	if err != nil {
		return true, 0
	}
	defer af.Close()
	bf, err := os.Open(b.path)
	if err != nil {
		return true, 0
	}
	defer bf.Close()

	bufA := make([]byte, copydiffMaxSampleBytes)
	bufB := make([]byte, copydiffMaxSampleBytes)
	na, _ := io.ReadFull(af, bufA)
	nb, _ := io.ReadFull(bf, bufB)
	sampled := na
	if nb > sampled {
		sampled = nb
	}
	if na != nb {
		return true, sampled
	}
	for i := 0; i < na; i++ {
		if bufA[i] != bufB[i] {
			return true, sampled
		}
	}
	return false, sampled
}
