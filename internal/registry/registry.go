package registry

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

var (
	ErrNotFound        = errors.New("not found")
	ErrInvalidInput    = errors.New("invalid input")
	ErrNotImplemented  = errors.New("not implemented")
	ErrRecentlyDeleted = errors.New("recently deleted")
)

const defaultDeleteGrace = 5 * time.Minute

type Entry struct {
	ID            string `json:"id"`
	OwnerID       string `json:"ownerId"`
	Name          string `json:"name"`
	PageCount     int    `json:"pageCount"`
	LastMod       int64  `json:"lastMod"`
	ContentHash   string `json:"contentHash,omitempty"`
	CloudBackedUp bool   `json:"cloudBackedUp"`
	FolderID      string `json:"folderId,omitempty"`
}

type Folder struct {
	ID       string `json:"id"`
	OwnerID  string `json:"ownerId"`
	Name     string `json:"name"`
	ParentID string `json:"parentId,omitempty"`
	LastMod  int64  `json:"lastMod"`
}

// OwnerRecord is everything the registry keeps for one owner. Tombstones map
// a deleted entry or folder id to its deletion time in ms.
type OwnerRecord struct {
	Entries    map[string]Entry  `json:"entries"`
	Folders    map[string]Folder `json:"folders"`
	Tombstones map[string]int64  `json:"tombstones,omitempty"`
}

func newOwnerRecord() *OwnerRecord {
	return &OwnerRecord{
		Entries:    map[string]Entry{},
		Folders:    map[string]Folder{},
		Tombstones: map[string]int64{},
	}
}

func (r *OwnerRecord) clone() *OwnerRecord {
	out := newOwnerRecord()
	if r == nil {
		return out
	}
	for id, entry := range r.Entries {
		out.Entries[id] = entry
	}
	for id, folder := range r.Folders {
		out.Folders[id] = folder
	}
	for id, deletedAt := range r.Tombstones {
		out.Tombstones[id] = deletedAt
	}
	return out
}

type Logger interface {
	Printf(format string, args ...any)
}

type Options struct {
	Backend   Backend
	Validator *EntryValidator
	Logger    Logger
	// DeleteGrace is how long a deleted id is protected from stale upserts.
	DeleteGrace time.Duration
	Now         func() time.Time
}

// Service is the per-owner project registry. Writes replace whole entries,
// the last arrival wins.
type Service struct {
	mu          sync.Mutex
	owners      map[string]*OwnerRecord
	backend     Backend
	validator   *EntryValidator
	logger      Logger
	deleteGrace time.Duration
	now         func() time.Time
}

func NewService(opts Options) (*Service, error) {
	backend := opts.Backend
	if backend == nil {
		backend = NewMemoryBackend()
	}
	validator := opts.Validator
	if validator == nil {
		var err error
		validator, err = NewEntryValidator()
		if err != nil {
			return nil, err
		}
	}
	grace := opts.DeleteGrace
	if grace <= 0 {
		grace = defaultDeleteGrace
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	owners, err := backend.Load()
	if err != nil {
		return nil, fmt.Errorf("load registry: %w", err)
	}
	if owners == nil {
		owners = map[string]*OwnerRecord{}
	}
	for ownerID, record := range owners {
		owners[ownerID] = record.clone()
	}
	return &Service{
		owners:      owners,
		backend:     backend,
		validator:   validator,
		logger:      opts.Logger,
		deleteGrace: grace,
		now:         now,
	}, nil
}

func (s *Service) Close() error {
	if closer, ok := s.backend.(interface{ Close() error }); ok {
		return closer.Close()
	}
	return nil
}

func (s *Service) Upsert(ctx context.Context, ownerID string, entry Entry) (Entry, error) {
	if err := ctx.Err(); err != nil {
		return Entry{}, err
	}
	ownerID = strings.TrimSpace(ownerID)
	if ownerID == "" {
		return Entry{}, fmt.Errorf("%w: owner id is required", ErrInvalidInput)
	}
	entry.ID = strings.TrimSpace(entry.ID)
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	entry.OwnerID = ownerID
	if err := s.validator.ValidateEntry(entry); err != nil {
		return Entry{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	next := s.owners[ownerID].clone()
	if err := s.checkTombstone(next, entry.ID, entry.LastMod, now); err != nil {
		return Entry{}, err
	}
	if entry.LastMod <= 0 {
		entry.LastMod = now.UnixMilli()
	}
	delete(next.Tombstones, entry.ID)
	next.Entries[entry.ID] = entry
	if err := s.commit(ownerID, next, now); err != nil {
		return Entry{}, err
	}
	return entry, nil
}

func (s *Service) List(ctx context.Context, ownerID string) ([]Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	record := s.owners[strings.TrimSpace(ownerID)]
	if record == nil {
		return []Entry{}, nil
	}
	out := make([]Entry, 0, len(record.Entries))
	for _, entry := range record.Entries {
		out = append(out, entry)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].LastMod != out[j].LastMod {
			return out[i].LastMod > out[j].LastMod
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (s *Service) Get(ctx context.Context, ownerID, id string) (Entry, error) {
	if err := ctx.Err(); err != nil {
		return Entry{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	record := s.owners[strings.TrimSpace(ownerID)]
	if record == nil {
		return Entry{}, ErrNotFound
	}
	entry, ok := record.Entries[strings.TrimSpace(id)]
	if !ok {
		return Entry{}, ErrNotFound
	}
	return entry, nil
}

func (s *Service) Delete(ctx context.Context, ownerID, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	ownerID = strings.TrimSpace(ownerID)
	id = strings.TrimSpace(id)
	s.mu.Lock()
	defer s.mu.Unlock()
	record := s.owners[ownerID]
	if record == nil {
		return ErrNotFound
	}
	if _, ok := record.Entries[id]; !ok {
		return ErrNotFound
	}
	now := s.now()
	next := record.clone()
	delete(next.Entries, id)
	next.Tombstones[id] = now.UnixMilli()
	return s.commit(ownerID, next, now)
}

// FindByContentHash returns the owner's entries whose content hash matches.
func (s *Service) FindByContentHash(ctx context.Context, ownerID, hash string) ([]Entry, error) {
	hash = strings.TrimSpace(hash)
	if hash == "" {
		return nil, fmt.Errorf("%w: content hash is required", ErrInvalidInput)
	}
	entries, err := s.List(ctx, ownerID)
	if err != nil {
		return nil, err
	}
	out := make([]Entry, 0, 1)
	for _, entry := range entries {
		if entry.ContentHash == hash {
			out = append(out, entry)
		}
	}
	return out, nil
}

func (s *Service) UpsertFolder(ctx context.Context, ownerID string, folder Folder) (Folder, error) {
	if err := ctx.Err(); err != nil {
		return Folder{}, err
	}
	ownerID = strings.TrimSpace(ownerID)
	if ownerID == "" {
		return Folder{}, fmt.Errorf("%w: owner id is required", ErrInvalidInput)
	}
	folder.ID = strings.TrimSpace(folder.ID)
	if folder.ID == "" {
		folder.ID = uuid.NewString()
	}
	folder.OwnerID = ownerID
	folder.ParentID = strings.TrimSpace(folder.ParentID)
	if err := s.validator.ValidateFolder(folder); err != nil {
		return Folder{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	next := s.owners[ownerID].clone()
	if err := s.checkTombstone(next, folder.ID, folder.LastMod, now); err != nil {
		return Folder{}, err
	}
	if folder.ParentID != "" {
		if _, ok := next.Folders[folder.ParentID]; !ok {
			return Folder{}, fmt.Errorf("%w: parent folder %s does not exist", ErrInvalidInput, folder.ParentID)
		}
		if createsCycle(next.Folders, folder.ID, folder.ParentID) {
			return Folder{}, fmt.Errorf("%w: folder %s cannot be its own ancestor", ErrInvalidInput, folder.ID)
		}
	}
	if folder.LastMod <= 0 {
		folder.LastMod = now.UnixMilli()
	}
	delete(next.Tombstones, folder.ID)
	next.Folders[folder.ID] = folder
	if err := s.commit(ownerID, next, now); err != nil {
		return Folder{}, err
	}
	return folder, nil
}

func (s *Service) ListFolders(ctx context.Context, ownerID string) ([]Folder, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	record := s.owners[strings.TrimSpace(ownerID)]
	if record == nil {
		return []Folder{}, nil
	}
	out := make([]Folder, 0, len(record.Folders))
	for _, folder := range record.Folders {
		out = append(out, folder)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Name != out[j].Name {
			return out[i].Name < out[j].Name
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

// DeleteFolder removes a folder. Its entries move to the root and its child
// folders move to the deleted folder's parent.
func (s *Service) DeleteFolder(ctx context.Context, ownerID, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	ownerID = strings.TrimSpace(ownerID)
	id = strings.TrimSpace(id)
	s.mu.Lock()
	defer s.mu.Unlock()
	record := s.owners[ownerID]
	if record == nil {
		return ErrNotFound
	}
	target, ok := record.Folders[id]
	if !ok {
		return ErrNotFound
	}
	now := s.now()
	nowMS := now.UnixMilli()
	next := record.clone()
	delete(next.Folders, id)
	for entryID, entry := range next.Entries {
		if entry.FolderID == id {
			entry.FolderID = ""
			entry.LastMod = nowMS
			next.Entries[entryID] = entry
		}
	}
	for folderID, folder := range next.Folders {
		if folder.ParentID == id {
			folder.ParentID = target.ParentID
			folder.LastMod = nowMS
			next.Folders[folderID] = folder
		}
	}
	next.Tombstones[id] = nowMS
	return s.commit(ownerID, next, now)
}

func (s *Service) checkTombstone(record *OwnerRecord, id string, lastMod int64, now time.Time) error {
	deletedAt, ok := record.Tombstones[id]
	if !ok {
		return nil
	}
	if now.UnixMilli()-deletedAt >= s.deleteGrace.Milliseconds() {
		return nil
	}
	if lastMod > deletedAt {
		return nil
	}
	return fmt.Errorf("%w: %s", ErrRecentlyDeleted, id)
}

// commit prunes expired tombstones, persists the owner record and only then
// swaps it into memory.
func (s *Service) commit(ownerID string, next *OwnerRecord, now time.Time) error {
	cutoff := now.UnixMilli() - s.deleteGrace.Milliseconds()
	for id, deletedAt := range next.Tombstones {
		if deletedAt < cutoff {
			delete(next.Tombstones, id)
		}
	}
	if err := s.backend.Save(ownerID, next); err != nil {
		s.logf("registry save failed owner=%s: %v", ownerID, err)
		return fmt.Errorf("save registry: %w", err)
	}
	s.owners[ownerID] = next
	return nil
}

func (s *Service) logf(format string, args ...any) {
	if s.logger == nil {
		return
	}
	s.logger.Printf(format, args...)
}

func createsCycle(folders map[string]Folder, id, parentID string) bool {
	seen := map[string]bool{}
	for current := parentID; current != ""; {
		if current == id || seen[current] {
			return true
		}
		seen[current] = true
		parent, ok := folders[current]
		if !ok {
			return false
		}
		current = parent.ParentID
	}
	return false
}
