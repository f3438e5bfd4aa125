package tabular

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/braidhq/braid/internal/model"
	"github.com/braidhq/braid/internal/storage"
	"github.com/braidhq/braid/internal/telemetry"
)

// Service manages database bindings: sealed credentials, schema snapshots,
// and the validating/active/failed lifecycle.
type Service struct {
	db     *storage.DB
	sealer *Sealer
	logger *slog.Logger

	validations metric.Int64Counter
}

func NewService(db *storage.DB, sealer *Sealer, logger *slog.Logger) *Service {
	meter := telemetry.Meter("braid/tabular")
	validations, _ := meter.Int64Counter("braid.tabular.binding_validations",
		metric.WithDescription("Binding validation attempts by outcome"))

	return &Service{
		db:          db,
		sealer:      sealer,
		logger:      logger,
		validations: validations,
	}
}

// AddBindingInput describes a new external database to bind.
type AddBindingInput struct {
	DisplayName string
	EngineTag   model.EngineTag
	DSN         string
}

// AddBinding seals the credential, persists the binding, then validates it
// synchronously. The returned binding carries the outcome: active with a
// schema snapshot, or failed with a reason. A failed validation is not an
// error; the binding exists and can be re-tested.
func (s *Service) AddBinding(ctx context.Context, userID uuid.UUID, input AddBindingInput) (model.TabularBinding, error) {
	name := strings.TrimSpace(input.DisplayName)
	if name == "" {
		return model.TabularBinding{}, errors.New("tabular: display name is required")
	}
	if input.EngineTag != model.EnginePostgres && input.EngineTag != model.EngineSQLite {
		return model.TabularBinding{}, fmt.Errorf("tabular: unsupported engine %q", input.EngineTag)
	}
	if strings.TrimSpace(input.DSN) == "" {
		return model.TabularBinding{}, errors.New("tabular: connection string is required")
	}

	sealed, err := s.sealer.Seal(Credential{DSN: input.DSN})
	if err != nil {
		return model.TabularBinding{}, err
	}
	binding, err := s.db.CreateTabularBinding(ctx, model.TabularBinding{
		UserID:      userID,
		DisplayName: name,
		EngineTag:   input.EngineTag,
	}, sealed)
	if err != nil {
		return model.TabularBinding{}, err
	}
	return s.revalidate(ctx, userID, binding.ID, input.EngineTag, input.DSN)
}

// TestBinding re-runs connectivity validation and refreshes the schema
// snapshot. Useful after the external database changed shape or credentials
// were rotated upstream.
func (s *Service) TestBinding(ctx context.Context, userID, id uuid.UUID) (model.TabularBinding, error) {
	binding, err := s.db.GetTabularBinding(ctx, userID, id)
	if err != nil {
		return model.TabularBinding{}, err
	}
	sealed, err := s.db.GetBindingCredential(ctx, userID, id)
	if err != nil {
		return model.TabularBinding{}, err
	}
	cred, err := s.sealer.Open(sealed)
	if err != nil {
		return model.TabularBinding{}, err
	}
	return s.revalidate(ctx, userID, id, binding.EngineTag, cred.DSN)
}

// revalidate connects to the bound database, captures a schema snapshot, and
// flips the binding to active or failed.
func (s *Service) revalidate(ctx context.Context, userID, id uuid.UUID, engine model.EngineTag, dsn string) (model.TabularBinding, error) {
	conn, err := connectorFor(engine, dsn, execLimits{})
	if err == nil {
		var snapshot model.SchemaSnapshot
		if snapshot, err = conn.introspect(ctx); err == nil {
			if aerr := s.db.ActivateBinding(ctx, userID, id, snapshot); aerr != nil {
				return model.TabularBinding{}, aerr
			}
			s.validations.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", "ok")))
			s.logger.Info("tabular: binding validated",
				"binding_id", id,
				"engine", string(engine),
				"tables", len(snapshot.Tables))
			return s.db.GetTabularBinding(ctx, userID, id)
		}
	}

	s.validations.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", "failed")))
	s.logger.Warn("tabular: binding validation failed",
		"binding_id", id,
		"engine", string(engine),
		"error", err)
	if ferr := s.db.FailBinding(ctx, userID, id, failureReason(err)); ferr != nil {
		return model.TabularBinding{}, ferr
	}
	return s.db.GetTabularBinding(ctx, userID, id)
}

// failureReason extracts the user-facing reason from a classified failure.
func failureReason(err error) string {
	var f *Failure
	if errors.As(err, &f) {
		return f.Reason
	}
	return err.Error()
}

func (s *Service) GetBinding(ctx context.Context, userID, id uuid.UUID) (model.TabularBinding, error) {
	return s.db.GetTabularBinding(ctx, userID, id)
}

func (s *Service) ListBindings(ctx context.Context, userID uuid.UUID) ([]model.TabularBinding, error) {
	return s.db.ListTabularBindings(ctx, userID)
}

func (s *Service) DeleteBinding(ctx context.Context, userID, id uuid.UUID) error {
	return s.db.DeleteTabularBinding(ctx, userID, id)
}

func (s *Service) History(ctx context.Context, userID, bindingID uuid.UUID, limit int) ([]model.TabularHistoryEntry, error) {
	return s.db.ListTabularHistory(ctx, userID, bindingID, limit)
}
