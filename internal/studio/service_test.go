package studio

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"

	gormsqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"

	"github.com/1489ehdghks/carrot-market-reloaded-sub000/internal/provider"
)

func openTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(gormsqlite.Open("file::memory:?cache=shared"), &gorm.Config{})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if err := db.AutoMigrate(&Artwork{}, &GenerationTask{}); err != nil {
		t.Fatalf("automigrate: %v", err)
	}
	return db
}

type fakeGen struct {
	mu        sync.Mutex
	calls     int
	raw       json.RawMessage
	err       error
	lastModel string
	lastInput provider.GenerationInput
}

func (f *fakeGen) Generate(ctx context.Context, model string, input provider.GenerationInput) (json.RawMessage, error) {
	_ = ctx
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.lastModel = model
	f.lastInput = input
	return f.raw, f.err
}

func (f *fakeGen) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type fakePromoter struct {
	mu       sync.Mutex
	calls    int
	fail     bool
	gate     chan struct{}
	fileURL  string
	thumbURL string
}

func (f *fakePromoter) Promote(ctx context.Context, srcURL string, width, height int) (string, string, error) {
	_ = ctx
	if f.gate != nil {
		<-f.gate
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.fail {
		return "", "", errors.New("network unreachable")
	}
	return f.fileURL, f.thumbURL, nil
}

func (f *fakePromoter) setFail(v bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fail = v
}

func (f *fakePromoter) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type fakeQuota struct {
	mu      sync.Mutex
	calls   int
	allowed bool
}

func (f *fakeQuota) Take(ctx context.Context, userID uint64) (bool, error) {
	_ = ctx
	_ = userID
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return f.allowed, nil
}

func TestGenerate_CreatesDraftThenPromotes(t *testing.T) {
	db := openTestDB(t)
	repo := NewRepo(db)

	gen := &fakeGen{raw: json.RawMessage(`["https://tmp.provider/a.png"]`)}
	prom := &fakePromoter{
		gate:     make(chan struct{}),
		fileURL:  "https://imagedelivery.net/acc/img1/normal",
		thumbURL: "https://imagedelivery.net/acc/img1/public",
	}
	svc := NewService(repo, gen, prom, nil, "stable-diffusion")

	art, err := svc.Generate(context.Background(), 1, GenerateRequest{
		Prompt: "a red fox in snow",
		Model:  "stable-diffusion",
		Width:  768,
		Height: 768,
	})
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if art.ID == 0 {
		t.Fatalf("expected artwork id to be set")
	}

	// draft state while promotion is still in flight
	draft, err := repo.GetArtworkByID(context.Background(), art.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if draft.FileURL != "https://tmp.provider/a.png" {
		t.Fatalf("draft file url: %q", draft.FileURL)
	}
	if draft.IsPublic || draft.IsPermanent {
		t.Fatalf("draft must start private and temporary: public=%v permanent=%v", draft.IsPublic, draft.IsPermanent)
	}
	if s := draft.DecodeSettings(); s.Steps != 30 || s.CfgScale != 7.5 {
		t.Fatalf("default settings not stored: %+v", s)
	}

	// let promotion finish
	close(prom.gate)
	svc.Drain()

	promoted, err := repo.GetArtworkByID(context.Background(), art.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if promoted.FileURL != prom.fileURL || promoted.ThumbURL != prom.thumbURL {
		t.Fatalf("promotion did not rewrite urls: file=%q thumb=%q", promoted.FileURL, promoted.ThumbURL)
	}
	if !promoted.IsPublic || !promoted.IsPermanent {
		t.Fatalf("promotion must grant visibility and permanence")
	}
}

func TestGenerate_PromptTooLong(t *testing.T) {
	db := openTestDB(t)
	gen := &fakeGen{raw: json.RawMessage(`["https://tmp.provider/x.png"]`)}
	svc := NewService(NewRepo(db), gen, &fakePromoter{}, nil, "")

	// ~1600 estimated tokens, above the 1500 ceiling
	long := strings.Repeat("word ", 1200)
	_, err := svc.Generate(context.Background(), 2, GenerateRequest{Prompt: long})
	if !errors.Is(err, ErrPromptTooLong) {
		t.Fatalf("expected ErrPromptTooLong, got %v", err)
	}
	if gen.callCount() != 0 {
		t.Fatalf("no provider call may happen for an over-long prompt")
	}
}

func TestGenerate_NegativePromptTooLong(t *testing.T) {
	db := openTestDB(t)
	gen := &fakeGen{raw: json.RawMessage(`["https://tmp.provider/x.png"]`)}
	svc := NewService(NewRepo(db), gen, &fakePromoter{}, nil, "")

	_, err := svc.Generate(context.Background(), 2, GenerateRequest{
		Prompt:         "fine",
		NegativePrompt: strings.Repeat("word ", 500), // ~667 tokens, ceiling is 500
	})
	if !errors.Is(err, ErrPromptTooLong) {
		t.Fatalf("expected ErrPromptTooLong, got %v", err)
	}
	if gen.callCount() != 0 {
		t.Fatalf("no provider call may happen for an over-long negative prompt")
	}
}

func TestGenerate_TruncatesAtStorageCap(t *testing.T) {
	db := openTestDB(t)
	repo := NewRepo(db)
	gen := &fakeGen{raw: json.RawMessage(`["https://tmp.provider/x.png"]`)}
	svc := NewService(repo, gen, &fakePromoter{fileURL: "https://p/f", thumbURL: "https://p/t"}, nil, "")

	// passes the token check (~800 tokens) but exceeds the 5000-char cap
	prompt := strings.TrimSpace(strings.Repeat("abcdefghij ", 600))
	art, err := svc.Generate(context.Background(), 3, GenerateRequest{Prompt: prompt})
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	svc.Drain()

	stored, err := repo.GetArtworkByID(context.Background(), art.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got := len([]rune(stored.Prompt)); got != 5000 {
		t.Fatalf("stored prompt length %d, want the 5000-char cap", got)
	}
	// the provider still saw the full prompt
	if len(gen.lastInput.Prompt) != len(prompt) {
		t.Fatalf("provider input must not be truncated")
	}
}

func TestGenerate_EmptyPrompt(t *testing.T) {
	db := openTestDB(t)
	gen := &fakeGen{}
	svc := NewService(NewRepo(db), gen, &fakePromoter{}, nil, "")

	if _, err := svc.Generate(context.Background(), 2, GenerateRequest{}); !errors.Is(err, ErrEmptyPrompt) {
		t.Fatalf("expected ErrEmptyPrompt, got %v", err)
	}
	if gen.callCount() != 0 {
		t.Fatalf("no provider call for an empty prompt")
	}
}

func TestGenerate_QuotaDenied(t *testing.T) {
	db := openTestDB(t)
	gen := &fakeGen{raw: json.RawMessage(`["https://tmp.provider/x.png"]`)}
	quota := &fakeQuota{allowed: false}
	svc := NewService(NewRepo(db), gen, &fakePromoter{}, quota, "")

	_, err := svc.Generate(context.Background(), 4, GenerateRequest{Prompt: "ok"})
	if !errors.Is(err, ErrQuotaExceeded) {
		t.Fatalf("expected ErrQuotaExceeded, got %v", err)
	}
	if gen.callCount() != 0 {
		t.Fatalf("no provider call once the quota is spent")
	}
}

func TestGenerate_BareStringOutput(t *testing.T) {
	db := openTestDB(t)
	repo := NewRepo(db)
	gen := &fakeGen{raw: json.RawMessage(`"https://tmp.provider/b.png"`)}
	svc := NewService(repo, gen, &fakePromoter{fail: true}, nil, "")

	art, err := svc.Generate(context.Background(), 5, GenerateRequest{Prompt: "x"})
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if art.FileURL != "https://tmp.provider/b.png" {
		t.Fatalf("file url: %q", art.FileURL)
	}
	svc.Drain()
}

func TestGenerate_PromotionFailureKeepsDraftUsable(t *testing.T) {
	db := openTestDB(t)
	repo := NewRepo(db)
	gen := &fakeGen{raw: json.RawMessage(`["https://tmp.provider/keep.png"]`)}
	prom := &fakePromoter{fail: true}
	svc := NewService(repo, gen, prom, nil, "")

	art, err := svc.Generate(context.Background(), 6, GenerateRequest{Prompt: "x"})
	if err != nil {
		t.Fatalf("promotion failure must not surface to the caller: %v", err)
	}
	svc.Drain()

	after, err := repo.GetArtworkByID(context.Background(), art.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if after.FileURL != "https://tmp.provider/keep.png" {
		t.Fatalf("temporary url must survive a failed promotion, got %q", after.FileURL)
	}
	if after.IsPublic || after.IsPermanent {
		t.Fatalf("visibility must be unchanged after a failed promotion")
	}
	if prom.callCount() != 1 {
		t.Fatalf("expected one promotion attempt, got %d", prom.callCount())
	}
}

func TestGenerate_ProviderFailurePropagates(t *testing.T) {
	db := openTestDB(t)
	gen := &fakeGen{err: provider.ErrGenerationFailed}
	svc := NewService(NewRepo(db), gen, &fakePromoter{}, nil, "")

	_, err := svc.Generate(context.Background(), 7, GenerateRequest{Prompt: "x"})
	if !errors.Is(err, provider.ErrGenerationFailed) {
		t.Fatalf("expected provider error, got %v", err)
	}

	var cnt int64
	if err := db.Model(&Artwork{}).Where("user_id = ?", uint64(7)).Count(&cnt).Error; err != nil {
		t.Fatalf("count: %v", err)
	}
	if cnt != 0 {
		t.Fatalf("no record may be created for a failed generation")
	}
}

func TestPublish_RetriesPromotionSynchronously(t *testing.T) {
	db := openTestDB(t)
	repo := NewRepo(db)
	gen := &fakeGen{raw: json.RawMessage(`["https://tmp.provider/p.png"]`)}
	prom := &fakePromoter{
		fail:     true,
		fileURL:  "https://imagedelivery.net/acc/img2/normal",
		thumbURL: "https://imagedelivery.net/acc/img2/public",
	}
	svc := NewService(repo, gen, prom, nil, "")

	art, err := svc.Generate(context.Background(), 8, GenerateRequest{Prompt: "x"})
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	svc.Drain() // background promotion fails, record stays draft

	prom.setFail(false)
	published, err := svc.Publish(context.Background(), 8, art.ID)
	if err != nil {
		t.Fatalf("publish: %v", err)
	}
	if !published.IsPublic || !published.IsPermanent {
		t.Fatalf("publish with working storage must promote: %+v", published)
	}
	if published.FileURL != prom.fileURL {
		t.Fatalf("file url: %q", published.FileURL)
	}
}

func TestPublish_ToleratesPromotionFailure(t *testing.T) {
	db := openTestDB(t)
	repo := NewRepo(db)
	gen := &fakeGen{raw: json.RawMessage(`["https://tmp.provider/q.png"]`)}
	prom := &fakePromoter{fail: true}
	svc := NewService(repo, gen, prom, nil, "")

	art, err := svc.Generate(context.Background(), 9, GenerateRequest{Prompt: "x"})
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	svc.Drain()

	published, err := svc.Publish(context.Background(), 9, art.ID)
	if err != nil {
		t.Fatalf("publish must tolerate a failed promotion: %v", err)
	}
	if !published.IsPublic {
		t.Fatalf("publish must grant visibility even when promotion fails")
	}
	if published.IsPermanent {
		t.Fatalf("failed promotion must not mark the asset permanent")
	}
	if published.FileURL != "https://tmp.provider/q.png" {
		t.Fatalf("temporary url must survive, got %q", published.FileURL)
	}
}

func TestPublish_HidesOtherUsersArtworks(t *testing.T) {
	db := openTestDB(t)
	repo := NewRepo(db)
	gen := &fakeGen{raw: json.RawMessage(`["https://tmp.provider/r.png"]`)}
	svc := NewService(repo, gen, &fakePromoter{fail: true}, nil, "")

	art, err := svc.Generate(context.Background(), 10, GenerateRequest{Prompt: "x"})
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	svc.Drain()

	if _, err := svc.Publish(context.Background(), 11, art.ID); !errors.Is(err, gorm.ErrRecordNotFound) {
		t.Fatalf("expected not-found for another user's artwork, got %v", err)
	}
}

func TestGetArtwork_Visibility(t *testing.T) {
	db := openTestDB(t)
	repo := NewRepo(db)
	gen := &fakeGen{raw: json.RawMessage(`["https://tmp.provider/v.png"]`)}
	svc := NewService(repo, gen, &fakePromoter{fail: true}, nil, "")

	art, err := svc.Generate(context.Background(), 12, GenerateRequest{Prompt: "x"})
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	svc.Drain()

	if _, err := svc.GetArtwork(context.Background(), 12, art.ID); err != nil {
		t.Fatalf("owner must see their draft: %v", err)
	}
	if _, err := svc.GetArtwork(context.Background(), 13, art.ID); !errors.Is(err, gorm.ErrRecordNotFound) {
		t.Fatalf("private artwork visible to a stranger: %v", err)
	}

	if _, err := svc.Publish(context.Background(), 12, art.ID); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if _, err := svc.GetArtwork(context.Background(), 13, art.ID); err != nil {
		t.Fatalf("public artwork must be visible to everyone: %v", err)
	}
}

func TestRunTask(t *testing.T) {
	db := openTestDB(t)
	repo := NewRepo(db)
	gen := &fakeGen{raw: json.RawMessage(`["https://tmp.provider/t.png"]`)}
	svc := NewService(repo, gen, &fakePromoter{fail: true}, nil, "")

	reqJSON, _ := json.Marshal(GenerateRequest{Prompt: "a red fox in snow"})
	task := &GenerationTask{
		ID:      "01TESTTASK0000000000000000",
		UserID:  14,
		Request: string(reqJSON),
		Status:  TaskQueued,
	}
	if err := repo.CreateTask(context.Background(), task); err != nil {
		t.Fatalf("create task: %v", err)
	}

	if err := svc.RunTask(context.Background(), task.ID); err != nil {
		t.Fatalf("run task: %v", err)
	}
	svc.Drain()

	done, err := repo.GetTaskByID(context.Background(), task.ID)
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if done.Status != TaskSucceeded || done.ArtworkID == nil {
		t.Fatalf("task not succeeded: %+v", done)
	}
}

func TestRunTask_FailureRecordsError(t *testing.T) {
	db := openTestDB(t)
	repo := NewRepo(db)
	gen := &fakeGen{err: errors.New("generation failed: NSFW content detected")}
	svc := NewService(repo, gen, &fakePromoter{}, nil, "")

	reqJSON, _ := json.Marshal(GenerateRequest{Prompt: "x"})
	task := &GenerationTask{
		ID:      "01TESTTASK0000000000000001",
		UserID:  15,
		Request: string(reqJSON),
		Status:  TaskQueued,
	}
	if err := repo.CreateTask(context.Background(), task); err != nil {
		t.Fatalf("create task: %v", err)
	}

	if err := svc.RunTask(context.Background(), task.ID); err == nil {
		t.Fatalf("expected error")
	}

	failed, err := repo.GetTaskByID(context.Background(), task.ID)
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if failed.Status != TaskFailed || failed.Error == nil || !strings.Contains(*failed.Error, "NSFW") {
		t.Fatalf("task not failed with provider text: %+v", failed)
	}
}

func TestCreateTaskOrGetExisting_Idempotent(t *testing.T) {
	db := openTestDB(t)
	repo := NewRepo(db)
	svc := NewService(repo, &fakeGen{}, &fakePromoter{}, nil, "")

	key := "client-key-1"
	mk := func(id string) *GenerationTask {
		return &GenerationTask{
			ID:             id,
			UserID:         16,
			Request:        `{"prompt":"x"}`,
			IdempotencyKey: &key,
			Status:         TaskQueued,
		}
	}

	first, created, err := svc.CreateTaskOrGetExisting(context.Background(), mk("01TESTTASK0000000000000002"))
	if err != nil || !created {
		t.Fatalf("first create: created=%v err=%v", created, err)
	}

	second, created, err := svc.CreateTaskOrGetExisting(context.Background(), mk("01TESTTASK0000000000000003"))
	if err != nil {
		t.Fatalf("second create: %v", err)
	}
	if created {
		t.Fatalf("duplicate idempotency key must not create a new task")
	}
	if second.ID != first.ID {
		t.Fatalf("expected the existing task back, got %s vs %s", second.ID, first.ID)
	}
}

func TestCreateTaskOrGetExisting_KeyScopedPerUser(t *testing.T) {
	db := openTestDB(t)
	repo := NewRepo(db)
	svc := NewService(repo, &fakeGen{}, &fakePromoter{}, nil, "")

	// two different users reusing the same client key must not collide
	key := "shared-client-key"
	mk := func(id string, userID uint64) *GenerationTask {
		k := key
		return &GenerationTask{
			ID:             id,
			UserID:         userID,
			Request:        `{"prompt":"x"}`,
			IdempotencyKey: &k,
			Status:         TaskQueued,
		}
	}

	first, created, err := svc.CreateTaskOrGetExisting(context.Background(), mk("01TESTTASK0000000000000004", 17))
	if err != nil || !created {
		t.Fatalf("first user: created=%v err=%v", created, err)
	}

	other, created, err := svc.CreateTaskOrGetExisting(context.Background(), mk("01TESTTASK0000000000000005", 18))
	if err != nil {
		t.Fatalf("second user with the same key: %v", err)
	}
	if !created {
		t.Fatalf("another user's key must not deduplicate this user's task")
	}
	if other.ID == first.ID || other.UserID != 18 {
		t.Fatalf("expected a fresh task for the second user, got %+v", other)
	}

	// while the same user reusing the key still deduplicates
	again, created, err := svc.CreateTaskOrGetExisting(context.Background(), mk("01TESTTASK0000000000000006", 17))
	if err != nil {
		t.Fatalf("repeat for first user: %v", err)
	}
	if created || again.ID != first.ID {
		t.Fatalf("expected the first user's existing task back, got created=%v id=%s", created, again.ID)
	}
}

func TestGenerate_PersistsAfterCallerGone(t *testing.T) {
	db := openTestDB(t)
	repo := NewRepo(db)
	gen := &fakeGen{raw: json.RawMessage(`["https://tmp.provider/late.png"]`)}
	svc := NewService(repo, gen, &fakePromoter{fileURL: "https://p/f", thumbURL: "https://p/t"}, nil, "")

	// the request context is already canceled by the time generation
	// finishes; the result must still be written
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	art, err := svc.Generate(ctx, 19, GenerateRequest{Prompt: "a lighthouse at dusk"})
	if err != nil {
		t.Fatalf("generate with abandoned caller: %v", err)
	}
	svc.Drain()

	stored, err := repo.GetArtworkByID(context.Background(), art.ID)
	if err != nil {
		t.Fatalf("artwork row missing after caller went away: %v", err)
	}
	if stored.FileURL == "" {
		t.Fatalf("stored artwork has no file url: %+v", stored)
	}
}

func TestRunTask_CanceledContextStillRecordsFailure(t *testing.T) {
	db := openTestDB(t)
	repo := NewRepo(db)
	gen := &fakeGen{err: errors.New("generation failed: upstream error")}
	svc := NewService(repo, gen, &fakePromoter{}, nil, "")

	reqJSON, _ := json.Marshal(GenerateRequest{Prompt: "x"})
	task := &GenerationTask{
		ID:      "01TESTTASK0000000000000007",
		UserID:  20,
		Request: string(reqJSON),
		Status:  TaskQueued,
	}
	if err := repo.CreateTask(context.Background(), task); err != nil {
		t.Fatalf("create task: %v", err)
	}

	// worker shutdown cancels the consume context mid-task; the terminal
	// status must still land instead of stranding the task in running
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if err := svc.RunTask(ctx, task.ID); err == nil {
		t.Fatalf("expected the generation error back")
	}

	failed, err := repo.GetTaskByID(context.Background(), task.ID)
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if failed.Status != TaskFailed || failed.Error == nil {
		t.Fatalf("task left in %q instead of failed", failed.Status)
	}
}
