package data

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5"

	"github.com/opsgrid/deviceops/internal/data/cryptoutil"
	"github.com/opsgrid/deviceops/internal/data/pgxutil"
	"github.com/opsgrid/deviceops/internal/domain/model"
	apperrors "github.com/opsgrid/deviceops/internal/errors"
	"github.com/opsgrid/deviceops/internal/tenant"
)

// EndpointRepo stores protocol endpoint records. Credential material is
// encrypted at rest; the auth column never holds plaintext.
type EndpointRepo struct {
	DB           *sql.DB
	encryptor    cryptoutil.Encryptor
	timeProvider TimeProvider
	logger       *slog.Logger
}

// EndpointRepoConfig holds construction options for EndpointRepo.
type EndpointRepoConfig struct {
	Encryptor    cryptoutil.Encryptor
	Logger       *slog.Logger
	TimeProvider TimeProvider
}

// NewEndpointRepo creates a new EndpointRepo. An encryptor is required so a
// misconfigured deployment cannot silently store plaintext credentials.
func NewEndpointRepo(db *sql.DB, cfg EndpointRepoConfig) (*EndpointRepo, error) {
	if cfg.Encryptor == nil {
		return nil, errors.New("endpoint repo requires an encryptor")
	}
	tp := cfg.TimeProvider
	if tp == nil {
		tp = &RealTimeProvider{}
	}
	return &EndpointRepo{
		DB:           db,
		encryptor:    cfg.Encryptor,
		timeProvider: tp,
		logger:       cfg.Logger,
	}, nil
}

const endpointColumns = `
  id,
  tenant_id,
  device_id,
  protocol,
  address,
  port,
  auth_ciphertext,
  timeout_ms,
  max_attempts,
  enabled,
  created_at,
  updated_at
`

// GetForDevice returns the endpoint for a (device, protocol) pair within the
// caller's tenant. Every resolution is a fresh read; nothing is cached.
func (r *EndpointRepo) GetForDevice(ctx context.Context, deviceID string, protocol model.ProtocolKind) (*model.ProtocolEndpoint, error) {
	scope, err := tenant.MustFromContext(ctx)
	if err != nil {
		return nil, err
	}

	row := r.DB.QueryRowContext(ctx, `
		SELECT `+endpointColumns+`
		FROM protocol_endpoints
		WHERE tenant_id = $1 AND device_id = $2 AND protocol = $3
	`, scope.TenantID, deviceID, protocol)

	endpoint, err := r.scanEndpoint(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrEndpointNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get endpoint: %w", err)
	}
	return endpoint, nil
}

// ListForDevice returns all endpoints configured for a device within the
// caller's tenant.
func (r *EndpointRepo) ListForDevice(ctx context.Context, deviceID string) ([]*model.ProtocolEndpoint, error) {
	scope, err := tenant.MustFromContext(ctx)
	if err != nil {
		return nil, err
	}

	rows, err := r.DB.QueryContext(ctx, `
		SELECT `+endpointColumns+`
		FROM protocol_endpoints
		WHERE tenant_id = $1 AND device_id = $2
		ORDER BY protocol
	`, scope.TenantID, deviceID)
	if err != nil {
		return nil, fmt.Errorf("list endpoints: %w", err)
	}
	defer rows.Close()

	var endpoints []*model.ProtocolEndpoint
	for rows.Next() {
		endpoint, scanErr := r.scanEndpoint(rows)
		if scanErr != nil {
			return nil, fmt.Errorf("scan endpoint: %w", scanErr)
		}
		endpoints = append(endpoints, endpoint)
	}
	if rowsErr := rows.Err(); rowsErr != nil {
		return nil, rowsErr
	}
	return endpoints, nil
}

// Upsert creates or replaces the endpoint for its (device, protocol) pair.
func (r *EndpointRepo) Upsert(ctx context.Context, endpoint *model.ProtocolEndpoint) (*model.ProtocolEndpoint, error) {
	if endpoint == nil {
		return nil, errors.New("endpoint is required")
	}
	if err := endpoint.Validate(); err != nil {
		return nil, apperrors.Validation(err.Error())
	}
	scope, err := tenant.MustFromContext(ctx)
	if err != nil {
		return nil, err
	}
	if endpoint.TenantID != "" && endpoint.TenantID != scope.TenantID {
		return nil, fmt.Errorf("endpoint tenant %s does not match scope tenant %s", endpoint.TenantID, scope.TenantID)
	}

	authJSON, err := json.Marshal(endpoint.Auth)
	if err != nil {
		return nil, fmt.Errorf("marshal auth config: %w", err)
	}
	ciphertext, err := r.encryptor.Encrypt(authJSON)
	if err != nil {
		return nil, fmt.Errorf("encrypt auth config: %w", err)
	}

	var saved *model.ProtocolEndpoint
	txErr := pgxutil.WithPgxTx(ctx, r.DB, pgxutil.TxConfig{
		Fn: func(tx pgx.Tx) error {
			if applyErr := tenant.ApplyTx(ctx, tx); applyErr != nil {
				return applyErr
			}
			now := r.timeProvider.Now().UTC()
			row := tx.QueryRow(ctx, `
        INSERT INTO protocol_endpoints(tenant_id, device_id, protocol, address, port, auth_ciphertext, timeout_ms, max_attempts, enabled, updated_at)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
        ON CONFLICT (tenant_id, device_id, protocol) DO UPDATE
        SET address = EXCLUDED.address,
            port = EXCLUDED.port,
            auth_ciphertext = EXCLUDED.auth_ciphertext,
            timeout_ms = EXCLUDED.timeout_ms,
            max_attempts = EXCLUDED.max_attempts,
            enabled = EXCLUDED.enabled,
            updated_at = EXCLUDED.updated_at
        RETURNING `+endpointColumns,
				scope.TenantID, endpoint.DeviceID, endpoint.Protocol,
				endpoint.Address, endpoint.Port, ciphertext,
				endpoint.TimeoutMS, endpoint.MaxAttempts, endpoint.Enabled, now,
			)
			var scanErr error
			saved, scanErr = r.scanEndpoint(row)
			return scanErr
		},
	})
	if txErr != nil {
		return nil, apperrors.MapDBError(txErr)
	}
	return saved, nil
}

// Delete removes the endpoint for a (device, protocol) pair.
func (r *EndpointRepo) Delete(ctx context.Context, deviceID string, protocol model.ProtocolKind) (bool, error) {
	scope, err := tenant.MustFromContext(ctx)
	if err != nil {
		return false, err
	}

	res, err := r.DB.ExecContext(ctx, `
		DELETE FROM protocol_endpoints
		WHERE tenant_id = $1 AND device_id = $2 AND protocol = $3
	`, scope.TenantID, deviceID, protocol)
	if err != nil {
		return false, fmt.Errorf("delete endpoint: %w", err)
	}
	rowsAffected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("delete rows affected: %w", err)
	}
	return rowsAffected > 0, nil
}

type endpointRowScanner interface {
	Scan(dest ...any) error
}

func (r *EndpointRepo) scanEndpoint(scanner endpointRowScanner) (*model.ProtocolEndpoint, error) {
	endpoint := &model.ProtocolEndpoint{}
	var ciphertext string
	if err := scanner.Scan(
		&endpoint.ID,
		&endpoint.TenantID,
		&endpoint.DeviceID,
		&endpoint.Protocol,
		&endpoint.Address,
		&endpoint.Port,
		&ciphertext,
		&endpoint.TimeoutMS,
		&endpoint.MaxAttempts,
		&endpoint.Enabled,
		&endpoint.CreatedAt,
		&endpoint.UpdatedAt,
	); err != nil {
		return nil, err
	}

	authJSON, err := r.encryptor.Decrypt(ciphertext)
	if err != nil {
		return nil, fmt.Errorf("decrypt auth config: %w", err)
	}
	if err := json.Unmarshal(authJSON, &endpoint.Auth); err != nil {
		return nil, fmt.Errorf("decode auth config: %w", err)
	}
	return endpoint, nil
}
