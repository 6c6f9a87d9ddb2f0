package analyze

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/angelmondragon/bodyscan-backend/internal/inference"
	"github.com/angelmondragon/bodyscan-backend/internal/ledger"
	"github.com/angelmondragon/bodyscan-backend/internal/reservation"
	"github.com/angelmondragon/bodyscan-backend/pkg/config"
	"github.com/angelmondragon/bodyscan-backend/pkg/db"
	"github.com/angelmondragon/bodyscan-backend/pkg/db/models"
	"github.com/google/uuid"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

type testEnv struct {
	conn      *gorm.DB
	repo      Repository
	saga      reservation.Service
	storage   *fakeStorage
	queue     *MemoryQueue
	inference *fakeInference
	svc       Service
	processor *Processor
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	dsn := "file:analyze_" + uuid.NewString() + "?mode=memory&cache=shared"
	conn, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		SkipDefaultTransaction: true,
		NowFunc:                func() time.Time { return time.Now().UTC() },
	})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	sqlDB, err := conn.DB()
	if err != nil {
		t.Fatalf("sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })
	if err := conn.AutoMigrate(models.All()...); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	client := db.NewFromConn(conn)
	ledgerSvc, err := ledger.NewService(ledger.ServiceParams{Repo: ledger.NewRepository(conn), Tx: client})
	if err != nil {
		t.Fatalf("ledger service: %v", err)
	}
	saga, err := reservation.NewService(reservation.ServiceParams{Ledger: ledgerSvc, Tx: client})
	if err != nil {
		t.Fatalf("reservation service: %v", err)
	}

	env := &testEnv{
		conn:      conn,
		repo:      NewRepository(conn),
		saga:      saga,
		storage:   newFakeStorage(),
		queue:     NewMemoryQueue(16),
		inference: &fakeInference{},
	}
	env.svc, err = NewService(ServiceParams{
		Repo:        env.repo,
		Reservation: saga,
		Tx:          client,
		Storage:     env.storage,
		Queue:       env.queue,
		JWT:         config.JWTConfig{Secret: "test-secret", Issuer: "bodyscan", ExpirationMinutes: 60},
		FrontendURL: "https://app.example.com/",
	})
	if err != nil {
		t.Fatalf("analyze service: %v", err)
	}
	env.processor, err = NewProcessor(ProcessorParams{
		Repo:        env.repo,
		Reservation: saga,
		Storage:     env.storage,
		Inference:   env.inference,
	})
	if err != nil {
		t.Fatalf("processor: %v", err)
	}
	return env
}

func (e *testEnv) seedAccount(t *testing.T, quick, premium int) uuid.UUID {
	t.Helper()
	account := models.Account{ID: uuid.New(), QuickBalance: quick, PremiumBalance: premium}
	if err := e.conn.Create(&account).Error; err != nil {
		t.Fatalf("seed account: %v", err)
	}
	return account.ID
}

func (e *testEnv) account(t *testing.T, id uuid.UUID) models.Account {
	t.Helper()
	var account models.Account
	if err := e.conn.First(&account, "id = ?", id).Error; err != nil {
		t.Fatalf("load account: %v", err)
	}
	return account
}

func (e *testEnv) job(t *testing.T, jobID string) models.AnalyzeJob {
	t.Helper()
	var job models.AnalyzeJob
	if err := e.conn.First(&job, "job_id = ?", jobID).Error; err != nil {
		t.Fatalf("load job: %v", err)
	}
	return job
}

func (e *testEnv) reservationState(t *testing.T, job models.AnalyzeJob) reservation.State {
	t.Helper()
	if job.TicketType == nil {
		t.Fatalf("job %s has no ticket type", job.JobID)
	}
	state, err := e.saga.State(context.Background(), job.AccountID, *job.TicketType, job.JobID)
	if err != nil {
		t.Fatalf("reservation state: %v", err)
	}
	return state
}

// startedJob issues upload targets and starts the job with default inputs.
func (e *testEnv) startedJob(t *testing.T, accountID uuid.UUID, mode string) string {
	t.Helper()
	ctx := context.Background()
	input := UploadInput{Mode: mode, FrontFilename: "front.jpg"}
	if mode == "STANDARD_2VIEW" {
		input.SideFilename = "side.png"
	}
	targets, err := e.svc.IssueUploadTargets(ctx, accountID, input)
	if err != nil {
		t.Fatalf("issue upload targets: %v", err)
	}
	height := 180.0
	if _, err := e.svc.Start(ctx, accountID, targets.JobID, StartInput{HeightCm: &height, Gender: "male"}); err != nil {
		t.Fatalf("start: %v", err)
	}
	return targets.JobID
}

type fakeStorage struct {
	mu       sync.Mutex
	deleted  []string
	signErr  error
	deleteFn func(key string) error
}

func newFakeStorage() *fakeStorage {
	return &fakeStorage{}
}

func (f *fakeStorage) SignedPutURL(_ context.Context, object, contentType string) (string, error) {
	if f.signErr != nil {
		return "", f.signErr
	}
	return fmt.Sprintf("https://storage.test/put/%s?ct=%s", object, contentType), nil
}

func (f *fakeStorage) SignedGetURL(_ context.Context, object string) (string, error) {
	if f.signErr != nil {
		return "", f.signErr
	}
	return "https://storage.test/get/" + object, nil
}

func (f *fakeStorage) Delete(_ context.Context, object string) error {
	f.mu.Lock()
	f.deleted = append(f.deleted, object)
	f.mu.Unlock()
	if f.deleteFn != nil {
		return f.deleteFn(object)
	}
	return nil
}

func (f *fakeStorage) deletedKeys() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.deleted...)
}

type fakeInference struct {
	mu        sync.Mutex
	calls     []inference.Payload
	analyzeFn func(ctx context.Context, payload inference.Payload) (*inference.Result, error)
}

func (f *fakeInference) Analyze(ctx context.Context, payload inference.Payload) (*inference.Result, error) {
	f.mu.Lock()
	f.calls = append(f.calls, payload)
	fn := f.analyzeFn
	f.mu.Unlock()
	if fn == nil {
		return &inference.Result{Raw: []byte(`{"success":true,"measurements":{"chest_cm":98.5}}`), Success: true}, nil
	}
	return fn(ctx, payload)
}

func (f *fakeInference) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}
