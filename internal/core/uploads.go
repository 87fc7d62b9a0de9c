package core

import (
	"sort"
	"time"
)

// UploadedFile is one entry in the uploaded-file index.
type UploadedFile struct {
	ID         string
	Filename   string
	Path       string
	Uploader   string
	Size       int64
	UploadedAt time.Time
	Downloads  int
}

// AddUpload records a stored file in the index.
func (st *State) AddUpload(f UploadedFile) {
	st.mu.Lock()
	entry := f
	st.uploads[f.ID] = &entry
	st.mu.Unlock()
}

// Upload returns a copy of one index entry.
func (st *State) Upload(id string) (UploadedFile, bool) {
	st.mu.Lock()
	defer st.mu.Unlock()

	entry, ok := st.uploads[id]
	if !ok {
		return UploadedFile{}, false
	}
	return *entry, true
}

// IncrementDownload bumps the download counter and returns the updated
// entry.
func (st *State) IncrementDownload(id string) (UploadedFile, bool) {
	st.mu.Lock()
	defer st.mu.Unlock()

	entry, ok := st.uploads[id]
	if !ok {
		return UploadedFile{}, false
	}
	entry.Downloads++
	return *entry, true
}

// Uploads returns all index entries ordered by upload time.
func (st *State) Uploads() []UploadedFile {
	st.mu.Lock()
	out := make([]UploadedFile, 0, len(st.uploads))
	for _, entry := range st.uploads {
		out = append(out, *entry)
	}
	st.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].UploadedAt.Before(out[j].UploadedAt) })
	return out
}

// UploadCount returns the index size.
func (st *State) UploadCount() int {
	st.mu.Lock()
	defer st.mu.Unlock()
	return len(st.uploads)
}

// TakeExpiredUploads removes and returns entries older than ttl. The
// caller deletes the backing files outside the lock.
func (st *State) TakeExpiredUploads(ttl time.Duration, now time.Time) []UploadedFile {
	st.mu.Lock()
	defer st.mu.Unlock()

	var out []UploadedFile
	for id, entry := range st.uploads {
		if now.Sub(entry.UploadedAt) > ttl {
			out = append(out, *entry)
			delete(st.uploads, id)
		}
	}
	return out
}

// TakeOldestUploads removes and returns the oldest half (plus one) of
// the index, regardless of age. Used by the disk-pressure sweep.
func (st *State) TakeOldestUploads() []UploadedFile {
	st.mu.Lock()
	defer st.mu.Unlock()

	all := make([]*UploadedFile, 0, len(st.uploads))
	for _, entry := range st.uploads {
		all = append(all, entry)
	}
	sort.Slice(all, func(i, j int) bool { return all[i].UploadedAt.Before(all[j].UploadedAt) })

	n := len(all)/2 + 1
	if n > len(all) {
		n = len(all)
	}

	out := make([]UploadedFile, 0, n)
	for _, entry := range all[:n] {
		out = append(out, *entry)
		delete(st.uploads, entry.ID)
	}
	return out
}

// ClearUploads empties the index; used on startup cleanup.
func (st *State) ClearUploads() {
	st.mu.Lock()
	st.uploads = make(map[string]*UploadedFile)
	st.mu.Unlock()
}
