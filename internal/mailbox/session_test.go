package mailbox

import (
	"context"
	"errors"
	"testing"

	"github.com/infodancer/magmad/internal/metauser"
)

type fakeSource struct {
	messages []metauser.Message
}

func (f *fakeSource) LoadUser(ctx context.Context, usernum uint64) (string, []byte, error) {
	return "alice", []byte("verification"), nil
}
func (f *fakeSource) LoadAliases(ctx context.Context, usernum uint64) ([]metauser.Alias, error) {
	return nil, nil
}
func (f *fakeSource) LoadFolders(ctx context.Context, usernum uint64) ([]metauser.Folder, error) {
	return nil, nil
}
func (f *fakeSource) LoadMessages(ctx context.Context, usernum uint64) ([]metauser.Message, error) {
	return f.messages, nil
}
func (f *fakeSource) LoadContacts(ctx context.Context, usernum uint64) ([]metauser.Contact, error) {
	return nil, nil
}

func TestSessionUpdate_UnchangedWhenCheckpointMatches(t *testing.T) {
	source := &fakeSource{}
	cache := metauser.New(source)
	ctx := context.Background()

	user, err := cache.Get(ctx, 1, metauser.ProtocolIMAP, metauser.GetMessages)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}

	checkpoint := &Checkpoint{}
	*checkpoint = Checkpoint{
		UserSerial:     user.Serials().User,
		FoldersSerial:  user.Serials().Folders,
		MessagesSerial: user.Serials().Messages,
	}

	refreshCalled := false
	refresh := func(ctx context.Context) (metauser.Serials, error) {
		refreshCalled = true
		return user.Serials(), nil
	}

	result, _, err := SessionUpdate(ctx, user, checkpoint, 1, refresh)
	if err != nil {
		t.Fatalf("SessionUpdate: %v", err)
	}
	if result != Unchanged {
		t.Fatalf("result = %v, want Unchanged", result)
	}
	if refreshCalled {
		t.Fatal("SessionUpdate called refresh despite a matching checkpoint")
	}
}

func TestSessionUpdate_ChangedRecomputesFolderCounts(t *testing.T) {
	source := &fakeSource{
		messages: []metauser.Message{
			{MessageID: 1, FolderID: 10, Status: uint64(Recent)},
			{MessageID: 2, FolderID: 10, Status: uint64(Seen)},
			{MessageID: 3, FolderID: 20, Status: uint64(Recent)},
		},
	}
	cache := metauser.New(source)
	ctx := context.Background()

	user, err := cache.Get(ctx, 1, metauser.ProtocolIMAP, metauser.GetMessages)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}

	checkpoint := &Checkpoint{} // zero value guarantees a mismatch
	refresh := func(ctx context.Context) (metauser.Serials, error) {
		return user.Serials(), nil
	}

	result, counts, err := SessionUpdate(ctx, user, checkpoint, 10, refresh)
	if err != nil {
		t.Fatalf("SessionUpdate: %v", err)
	}
	if result != Changed {
		t.Fatalf("result = %v, want Changed", result)
	}
	if counts.Exists != 2 {
		t.Errorf("counts.Exists = %d, want 2", counts.Exists)
	}
	if counts.Recent != 1 {
		t.Errorf("counts.Recent = %d, want 1", counts.Recent)
	}

	want := user.Serials()
	if *checkpoint != (Checkpoint{UserSerial: want.User, FoldersSerial: want.Folders, MessagesSerial: want.Messages}) {
		t.Errorf("checkpoint not updated to post-refresh serials: %+v", checkpoint)
	}
}

func TestSessionUpdate_TransientErrorOnRefreshFailure(t *testing.T) {
	source := &fakeSource{}
	cache := metauser.New(source)
	ctx := context.Background()

	user, err := cache.Get(ctx, 1, metauser.ProtocolIMAP, metauser.GetNone)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}

	checkpoint := &Checkpoint{}
	wantErr := errors.New("datatier unreachable")
	refresh := func(ctx context.Context) (metauser.Serials, error) {
		return metauser.Serials{}, wantErr
	}

	result, _, err := SessionUpdate(ctx, user, checkpoint, 1, refresh)
	if result != TransientError {
		t.Fatalf("result = %v, want TransientError", result)
	}
	if !errors.Is(err, wantErr) {
		t.Errorf("err = %v, want %v", err, wantErr)
	}
}

func TestClearRecent_OnlyTouchesSelectedFolder(t *testing.T) {
	source := &fakeSource{
		messages: []metauser.Message{
			{MessageID: 1, FolderID: 10, Status: uint64(Recent)},
			{MessageID: 2, FolderID: 10, Status: uint64(Recent.Set(Seen))},
			{MessageID: 3, FolderID: 20, Status: uint64(Recent)},
		},
	}
	cache := metauser.New(source)
	ctx := context.Background()

	user, err := cache.Get(ctx, 1, metauser.ProtocolIMAP, metauser.GetMessages)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}

	user.Lock()
	cleared := ClearRecent(user, 10)
	user.Unlock()

	if cleared != 2 {
		t.Fatalf("cleared = %d, want 2", cleared)
	}

	counts := folderCounts(user, 10)
	if counts.Recent != 0 {
		t.Errorf("folder 10 Recent = %d, want 0 after ClearRecent", counts.Recent)
	}
	other := folderCounts(user, 20)
	if other.Recent != 1 {
		t.Errorf("folder 20 Recent = %d, want 1 (untouched)", other.Recent)
	}
}

func TestClose_ClearsRecentAndReleasesReference(t *testing.T) {
	source := &fakeSource{
		messages: []metauser.Message{
			{MessageID: 1, FolderID: 10, Status: uint64(Recent)},
		},
	}
	cache := metauser.New(source)
	ctx := context.Background()

	user, err := cache.Get(ctx, 1, metauser.ProtocolIMAP, metauser.GetMessages)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}

	cleared := Close(user, 10, cache, metauser.ProtocolIMAP)
	if cleared != 1 {
		t.Fatalf("cleared = %d, want 1", cleared)
	}

	if cache.Count() != 1 {
		t.Fatalf("Count() = %d, want 1 (Close must not evict, only release)", cache.Count())
	}
}
