package image

import (
	"fmt"
	"slices"
	"sort"
	"strings"
	"sync"
)

// Index is the in-memory view of the local images. Records are keyed by
// their content id; tags are a secondary key and each tag points at exactly
// one record. A single mutex guards both maps and is never held across I/O.
type Index struct {
	mu    sync.Mutex
	byID  map[string]*Record
	byTag map[string]string
}

// Change reports the effect of Insert.
type Change struct {
	// Record is the record the tag now points at.
	Record Record
	// Detached are records that lost the tag but still have others.
	Detached []Record
	// Orphaned are records that lost their last tag and left the index.
	Orphaned []Record
}

// Removal reports the effect of Remove.
type Removal struct {
	Record Record
	// Gone is set when the record left the index.
	Gone bool
}

func NewIndex() *Index {
	return &Index{
		byID:  make(map[string]*Record),
		byTag: make(map[string]string),
	}
}

// LookupByReference returns the record tagged with ref.
func (x *Index) LookupByReference(ref string) (Record, bool) {
	x.mu.Lock()
	defer x.mu.Unlock()

	id, ok := x.byTag[ref]
	if !ok {
		return Record{}, false
	}
	return x.byID[id].clone(), true
}

// LookupByIDPrefix returns the record whose id starts with prefix. The
// "sha256:" scheme is optional. A full id always wins; otherwise the prefix
// must match exactly one record or ErrAmbiguous is returned.
func (x *Index) LookupByIDPrefix(prefix string) (Record, error) {
	x.mu.Lock()
	defer x.mu.Unlock()

	rec, err := x.lookupByIDPrefixLocked(prefix)
	if err != nil {
		return Record{}, err
	}
	return rec.clone(), nil
}

func (x *Index) lookupByIDPrefixLocked(prefix string) (*Record, error) {
	p := trimScheme(prefix)
	if p == "" {
		return nil, fmt.Errorf("%w: empty id prefix", ErrNotFound)
	}
	if rec, ok := x.byID[idScheme+p]; ok {
		return rec, nil
	}

	var matches []string
	for id := range x.byID {
		if strings.HasPrefix(trimScheme(id), p) {
			matches = append(matches, id)
		}
	}
	switch len(matches) {
	case 0:
		return nil, fmt.Errorf("%w: %s", ErrNotFound, prefix)
	case 1:
		return x.byID[matches[0]], nil
	default:
		sort.Strings(matches)
		return nil, fmt.Errorf("%w: %s matches %s", ErrAmbiguous, prefix, strings.Join(matches, ", "))
	}
}

// Lookup resolves ref as a tag first and as an id prefix second.
func (x *Index) Lookup(ref string) (Record, error) {
	if rec, ok := x.LookupByReference(ref); ok {
		return rec, nil
	}
	return x.LookupByIDPrefix(ref)
}

// Get returns the record with exactly this id.
func (x *Index) Get(id string) (Record, bool) {
	x.mu.Lock()
	defer x.mu.Unlock()

	rec, ok := x.byID[id]
	if !ok {
		return Record{}, false
	}
	return rec.clone(), true
}

// Insert points tag at rec, creating the record if its id is new. The tag
// set of rec is ignored; tags are owned by the index. Size, digest and
// layers of an existing record are refreshed from rec.
func (x *Index) Insert(tag string, rec Record) Change {
	x.mu.Lock()
	defer x.mu.Unlock()

	var ch Change
	if oldID, ok := x.byTag[tag]; ok && oldID != rec.ID {
		old := x.byID[oldID]
		old.RepoTags = slices.DeleteFunc(old.RepoTags, func(t string) bool { return t == tag })
		delete(x.byTag, tag)
		if len(old.RepoTags) == 0 {
			delete(x.byID, oldID)
			ch.Orphaned = append(ch.Orphaned, old.clone())
		} else {
			ch.Detached = append(ch.Detached, old.clone())
		}
	}

	cur, ok := x.byID[rec.ID]
	if !ok {
		c := rec.clone()
		c.RepoTags = nil
		cur = &c
		x.byID[rec.ID] = cur
	} else {
		cur.Size = rec.Size
		if rec.Digest != "" {
			cur.Digest = rec.Digest
		}
		if len(rec.Layers) > 0 {
			cur.Layers = slices.Clone(rec.Layers)
		}
	}
	if !cur.HasTag(tag) {
		cur.RepoTags = append(cur.RepoTags, tag)
	}
	x.byTag[tag] = rec.ID

	ch.Record = cur.clone()
	return ch
}

// Remove detaches ref when it is a tag. Otherwise ref is resolved as an id
// prefix and the whole record is removed with all of its tags. The index
// is left untouched when ref matches nothing.
func (x *Index) Remove(ref string) (Removal, error) {
	x.mu.Lock()
	defer x.mu.Unlock()

	if id, ok := x.byTag[ref]; ok {
		rec := x.byID[id]
		rec.RepoTags = slices.DeleteFunc(rec.RepoTags, func(t string) bool { return t == ref })
		delete(x.byTag, ref)
		if len(rec.RepoTags) > 0 {
			return Removal{Record: rec.clone()}, nil
		}
		delete(x.byID, id)
		return Removal{Record: rec.clone(), Gone: true}, nil
	}

	rec, err := x.lookupByIDPrefixLocked(ref)
	if err != nil {
		return Removal{}, err
	}
	for _, tag := range rec.RepoTags {
		delete(x.byTag, tag)
	}
	delete(x.byID, rec.ID)
	return Removal{Record: rec.clone(), Gone: true}, nil
}

// List returns a snapshot of all records ordered by id.
func (x *Index) List() []Record {
	x.mu.Lock()
	out := make([]Record, 0, len(x.byID))
	for _, rec := range x.byID {
		out = append(out, rec.clone())
	}
	x.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Len returns the number of records.
func (x *Index) Len() int {
	x.mu.Lock()
	defer x.mu.Unlock()
	return len(x.byID)
}
