package engine

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"

	"truecoding/internal/config"
	"truecoding/internal/domain"
	"truecoding/internal/engine/auth"
	"truecoding/internal/events"
	"truecoding/internal/migrate"
	"truecoding/internal/repo"
)

// Ownership resolves a project and asserts the caller owns it.
type Ownership interface {
	AssertOwnership(ctx context.Context, projectID, callerID string) (domain.Project, error)
}

// Prerequisites reports which upstream plans a project still lacks.
type Prerequisites interface {
	MissingPlans(ctx context.Context, projectID string) ([]domain.PlanKind, error)
}

// SchemaChecker fails with migrate.ErrSchemaNotApplied when run tables are absent.
type SchemaChecker interface {
	CheckSchema(ctx context.Context) error
}

// Dispatcher hands a run to the execution engine. started is false when the
// run was already being driven.
type Dispatcher interface {
	Dispatch(ctx context.Context, runID string) (started bool, err error)
}

// Liveness answers whether this process is actively driving a run.
type Liveness interface {
	IsLive(runID string) bool
}

// Engine is the only writer of run and iteration status. Every status change
// and its event commit in one transaction.
type Engine struct {
	DB         *sql.DB
	Repo       repo.Repo
	Events     events.Writer
	Config     *config.Config
	Now        func() time.Time
	Owners     Ownership
	Plans      Prerequisites
	Schema     SchemaChecker
	Liveness   Liveness
	Dispatcher Dispatcher
	Logger     *log.Logger
}

func New(db *sql.DB, cfg *config.Config, live Liveness) Engine {
	r := repo.Repo{DB: db}
	if cfg == nil {
		cfg = config.Default()
	}
	return Engine{
		DB:       db,
		Repo:     r,
		Events:   events.Writer{},
		Config:   cfg,
		Now:      time.Now,
		Owners:   auth.Service{DB: db},
		Plans:    r,
		Schema:   migrate.Checker{DB: db},
		Liveness: live,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) logger() *log.Logger {
	if e.Logger != nil {
		return e.Logger
	}
	return log.Default()
}

func (e Engine) config() *config.Config {
	if e.Config != nil {
		return e.Config
	}
	return config.Default()
}

func (e Engine) isLive(runID string) bool {
	if e.Liveness == nil {
		return false
	}
	return e.Liveness.IsLive(runID)
}

func (e Engine) checkSchema(ctx context.Context) error {
	if e.Schema == nil {
		return nil
	}
	return e.Schema.CheckSchema(ctx)
}

// authorize runs the schema preflight and the ownership check.
func (e Engine) authorize(ctx context.Context, projectID, callerID string) (domain.Project, error) {
	if err := e.checkSchema(ctx); err != nil {
		return domain.Project{}, err
	}
	owners := e.Owners
	if owners == nil {
		owners = auth.Service{DB: e.DB}
	}
	return owners.AssertOwnership(ctx, projectID, callerID)
}

func (e Engine) appendEvent(ctx context.Context, tx *sql.Tx, runID, iterationID, message string, payload events.Payload) (domain.DevelopmentEvent, error) {
	w := e.Events
	if w.Now == nil {
		w.Now = e.now
	}
	return w.Append(ctx, tx, runID, iterationID, message, payload)
}

func (e Engine) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}

// dispatch hands runID to the execution engine. Failures are logged; the
// stored state is already committed and recovery can re-dispatch.
func (e Engine) dispatch(ctx context.Context, runID string) (bool, error) {
	if e.Dispatcher == nil {
		return false, nil
	}
	started, err := e.Dispatcher.Dispatch(ctx, runID)
	if err != nil {
		e.logger().Printf("engine: dispatch run %s failed: %v", runID, err)
	}
	return started, err
}

// CreateProject registers a project owned by ownerID.
func (e Engine) CreateProject(ctx context.Context, ownerID, name string) (domain.Project, error) {
	ownerID = strings.TrimSpace(ownerID)
	name = strings.TrimSpace(name)
	if ownerID == "" {
		return domain.Project{}, invalidInput("owner is required")
	}
	if name == "" {
		return domain.Project{}, invalidInput("name is required")
	}
	if err := e.checkSchema(ctx); err != nil {
		return domain.Project{}, err
	}
	p := domain.Project{
		ID:        uuid.NewString(),
		OwnerID:   ownerID,
		Name:      name,
		CreatedAt: domain.Timestamp(e.now()),
	}
	if err := e.Repo.InsertProject(ctx, nil, p); err != nil {
		return domain.Project{}, fmt.Errorf("insert project: %w", err)
	}
	return p, nil
}

func (e Engine) GetProject(ctx context.Context, projectID, callerID string) (domain.Project, error) {
	return e.authorize(ctx, projectID, callerID)
}

// SetPlan records the latest business, technical or ux plan for a project.
func (e Engine) SetPlan(ctx context.Context, projectID, callerID string, kind domain.PlanKind, content json.RawMessage) (domain.ProjectPlan, error) {
	valid := false
	for _, k := range domain.RequiredPlans {
		if k == kind {
			valid = true
		}
	}
	if !valid {
		return domain.ProjectPlan{}, invalidInput("unknown plan kind %q", kind)
	}
	if len(content) == 0 || !json.Valid(content) {
		return domain.ProjectPlan{}, invalidInput("plan content must be JSON")
	}
	if _, err := e.authorize(ctx, projectID, callerID); err != nil {
		return domain.ProjectPlan{}, err
	}
	plan := domain.ProjectPlan{
		ProjectID: projectID,
		Kind:      kind,
		Content:   content,
		UpdatedAt: domain.Timestamp(e.now()),
	}
	if err := e.Repo.UpsertPlan(ctx, nil, plan); err != nil {
		return domain.ProjectPlan{}, fmt.Errorf("upsert plan: %w", err)
	}
	return plan, nil
}

// CreateAPIKey mints a key for actorID. The raw key is returned once; only
// its hash is stored.
func (e Engine) CreateAPIKey(ctx context.Context, actorID, name string) (string, domain.APIKey, error) {
	actorID = strings.TrimSpace(actorID)
	if actorID == "" {
		return "", domain.APIKey{}, invalidInput("actor is required")
	}
	buf := make([]byte, 24)
	if _, err := rand.Read(buf); err != nil {
		return "", domain.APIKey{}, err
	}
	raw := "tc_" + hex.EncodeToString(buf)
	key := domain.APIKey{
		ID:        uuid.NewString(),
		ActorID:   actorID,
		Name:      strings.TrimSpace(name),
		KeyHash:   repo.HashAPIKey(raw),
		CreatedAt: domain.Timestamp(e.now()),
	}
	if err := e.Repo.InsertAPIKey(ctx, nil, key); err != nil {
		return "", domain.APIKey{}, fmt.Errorf("insert api key: %w", err)
	}
	return raw, key, nil
}
