package topicnaming_test

import (
	"context"
	"strconv"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"

	"github.com/halvorsen/tokenbroker/internal/balance"
	"github.com/halvorsen/tokenbroker/internal/cache"
	"github.com/halvorsen/tokenbroker/internal/model"
	"github.com/halvorsen/tokenbroker/internal/topicnaming"
)

type fakeThreadStore struct {
	titles map[uuid.UUID]string
}

func newFakeThreadStore() *fakeThreadStore {
	return &fakeThreadStore{titles: make(map[uuid.UUID]string)}
}

func (f *fakeThreadStore) UpdateThreadTitle(ctx context.Context, id uuid.UUID, title string) error {
	f.titles[id] = title
	return nil
}

func (f *fakeThreadStore) ListThreadsNeedingTopicName(ctx context.Context, limit int) ([]model.Thread, error) {
	return nil, nil
}

type fakeRenamer struct {
	called bool
}

func (f *fakeRenamer) RenameTopic(ctx context.Context, chatID int64, topicID int, title string) error {
	f.called = true
	return nil
}

type fakeUserStore struct {
	user model.User
	found bool
}

func (f *fakeUserStore) GetUser(ctx context.Context, userID int64) (model.User, bool, error) {
	return f.user, f.found, nil
}

func newTestCache(t *testing.T) *cache.Client {
	t.Helper()
	mr := miniredis.RunT(t)
	port, err := strconv.Atoi(mr.Port())
	if err != nil {
		t.Fatalf("parse miniredis port: %v", err)
	}
	return cache.New(cache.Config{Host: mr.Host(), Port: port}, nil)
}

func TestMaybeNameTopic_SkipsWhenNotNeeded(t *testing.T) {
	threads := newFakeThreadStore()
	renamer := &fakeRenamer{}
	svc := topicnaming.New(topicnaming.Config{Threads: threads, Renamer: renamer})

	thread := model.Thread{ID: uuid.New(), NeedsTopicNaming: false, TelegramTopicID: 5}
	got := svc.MaybeNameTopic(context.Background(), thread, "hi", "hello")

	if got != "" {
		t.Fatalf("expected no title, got %q", got)
	}
	if renamer.called {
		t.Fatal("renamer should not be called when naming isn't needed")
	}
}

func TestMaybeNameTopic_ClearsFlagForNonForumThread(t *testing.T) {
	threads := newFakeThreadStore()
	renamer := &fakeRenamer{}
	svc := topicnaming.New(topicnaming.Config{Threads: threads, Renamer: renamer})

	thread := model.Thread{ID: uuid.New(), NeedsTopicNaming: true, TelegramTopicID: 0, Title: "Private Chat"}
	got := svc.MaybeNameTopic(context.Background(), thread, "hi", "hello")

	if got != "" {
		t.Fatalf("expected no title, got %q", got)
	}
	if renamer.called {
		t.Fatal("renamer should not be called for a non-topic thread")
	}
	if threads.titles[thread.ID] != "Private Chat" {
		t.Fatalf("expected title to be reset to existing value, got %q", threads.titles[thread.ID])
	}
}

func TestMaybeNameTopic_SkipsOnInsufficientBalance(t *testing.T) {
	threads := newFakeThreadStore()
	renamer := &fakeRenamer{}
	c := newTestCache(t)
	store := &fakeUserStore{user: model.User{ID: 7, Balance: 0}, found: true}
	pol := balance.NewPolicy(c, store, 0, 1.0, nil)

	svc := topicnaming.New(topicnaming.Config{Threads: threads, Renamer: renamer, Balance: pol})

	thread := model.Thread{ID: uuid.New(), UserID: 7, ChatID: 100, TelegramTopicID: 5, NeedsTopicNaming: true, Title: "Untitled"}
	got := svc.MaybeNameTopic(context.Background(), thread, "hi", "hello")

	if got != "" {
		t.Fatalf("expected no title on insufficient balance, got %q", got)
	}
	if renamer.called {
		t.Fatal("renamer should not be called when balance check fails")
	}
	if threads.titles[thread.ID] != "Untitled" {
		t.Fatalf("expected markDone to reset to existing title, got %q", threads.titles[thread.ID])
	}
}
