package metauser

import (
	"context"
	"errors"
	"testing"
	"time"
)

type fakeSource struct {
	calls     int
	aliases   []Alias
	folders   []Folder
	messages  []Message
	contacts  []Contact
	loadErr   error
}

func (f *fakeSource) LoadUser(ctx context.Context, usernum uint64) (string, []byte, error) {
	f.calls++
	if f.loadErr != nil {
		return "", nil, f.loadErr
	}
	return "alice", []byte("verification"), nil
}

func (f *fakeSource) LoadAliases(ctx context.Context, usernum uint64) ([]Alias, error) {
	return f.aliases, nil
}

func (f *fakeSource) LoadFolders(ctx context.Context, usernum uint64) ([]Folder, error) {
	return f.folders, nil
}

func (f *fakeSource) LoadMessages(ctx context.Context, usernum uint64) ([]Message, error) {
	return f.messages, nil
}

func (f *fakeSource) LoadContacts(ctx context.Context, usernum uint64) ([]Contact, error) {
	return f.contacts, nil
}

func TestCache_GetCreatesAndCaches(t *testing.T) {
	source := &fakeSource{}
	cache := New(source)
	ctx := context.Background()

	u1, err := cache.Get(ctx, 42, ProtocolPOP, GetNone)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if u1.Username != "alice" {
		t.Fatalf("Username = %q, want alice", u1.Username)
	}

	u2, err := cache.Get(ctx, 42, ProtocolIMAP, GetNone)
	if err != nil {
		t.Fatalf("Get (second): %v", err)
	}
	if u1 != u2 {
		t.Fatal("Get returned a different User for the same usernum")
	}
	if cache.Count() != 1 {
		t.Fatalf("Count() = %d, want 1", cache.Count())
	}
}

func TestCache_GetPopulatesRequestedIndexesOnce(t *testing.T) {
	source := &fakeSource{
		folders: []Folder{{FolderID: 1, Name: "Inbox"}, {FolderID: 2, Name: "Sent"}},
	}
	cache := New(source)
	ctx := context.Background()

	u, err := cache.Get(ctx, 1, ProtocolIMAP, GetFolders)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if u.Folders.Count() != 2 {
		t.Fatalf("Folders.Count() = %d, want 2", u.Folders.Count())
	}

	// A second Get with the same Get flags must not reload the already
	// populated index.
	source.folders = append(source.folders, Folder{FolderID: 3, Name: "Trash"})
	if _, err := cache.Get(ctx, 1, ProtocolIMAP, GetFolders); err != nil {
		t.Fatalf("Get (second): %v", err)
	}
	if u.Folders.Count() != 2 {
		t.Fatalf("Folders.Count() after second Get = %d, want 2 (should not reload)", u.Folders.Count())
	}
}

func TestCache_GetRejectsZeroUsernum(t *testing.T) {
	cache := New(&fakeSource{})
	if _, err := cache.Get(context.Background(), 0, ProtocolPOP, GetNone); err == nil {
		t.Fatal("Get(0) = nil error, want error")
	}
}

func TestCache_GetPropagatesSourceError(t *testing.T) {
	source := &fakeSource{loadErr: errors.New("db unreachable")}
	cache := New(source)
	if _, err := cache.Get(context.Background(), 1, ProtocolPOP, GetNone); err == nil {
		t.Fatal("Get with failing source = nil error, want error")
	}
}

func TestCache_ReleaseDropsReferenceWithoutEviction(t *testing.T) {
	source := &fakeSource{}
	cache := New(source)
	ctx := context.Background()

	u, err := cache.Get(ctx, 7, ProtocolPOP, GetNone)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	cache.Release(u, ProtocolPOP)

	if cache.Count() != 1 {
		t.Fatalf("Count() after Release = %d, want 1 (Release must not evict immediately)", cache.Count())
	}
}

func TestCache_PruneEvictsOnlyIdleUnreferencedUsers(t *testing.T) {
	source := &fakeSource{}
	cache := New(source)
	ctx := context.Background()

	held, err := cache.Get(ctx, 1, ProtocolPOP, GetNone)
	if err != nil {
		t.Fatalf("Get(held): %v", err)
	}
	idle, err := cache.Get(ctx, 2, ProtocolPOP, GetNone)
	if err != nil {
		t.Fatalf("Get(idle): %v", err)
	}
	cache.Release(idle, ProtocolPOP)
	time.Sleep(5 * time.Millisecond)

	dropped := cache.Prune(time.Millisecond)
	if dropped != 1 {
		t.Fatalf("Prune dropped %d entries, want 1", dropped)
	}
	if cache.Count() != 1 {
		t.Fatalf("Count() after Prune = %d, want 1", cache.Count())
	}

	cache.Release(held, ProtocolPOP)
}
