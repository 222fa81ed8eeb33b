package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/jgrady/chronicle/internal/domain"
	"github.com/jgrady/chronicle/pkg/serializer"
)

// ColumnMode declares how the object/object_changes columns are typed.
type ColumnMode int

const (
	// ColumnJSONB stores snapshots in native jsonb columns; structured
	// queries push down as jsonb predicates.
	ColumnJSONB ColumnMode = iota
	// ColumnText stores opaque serialized blobs; only the serializer's
	// pattern fallback can query them.
	ColumnText
)

const versionColumns = `id, ordinal, item_type, item_id, item_subtype, event, whodunnit, object, object_changes, meta, transaction_id, created_at`

// Postgres implements VersionStore, MaintenanceStore and (via Associations)
// AssociationStore over a pgx connection pool.
type Postgres struct {
	pool  *pgxpool.Pool
	mode  ColumnMode
	codec serializer.Serializer
	log   *zap.Logger
}

// NewPostgres wires a Postgres-backed store.
func NewPostgres(pool *pgxpool.Pool, mode ColumnMode, codec serializer.Serializer, log *zap.Logger) *Postgres {
	if codec == nil {
		codec = serializer.JSON{}
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Postgres{pool: pool, mode: mode, codec: codec, log: log}
}

func textOrNil(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func bytesOrNil(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return b
}

func uuidOrNil(id uuid.UUID) any {
	if id == uuid.Nil {
		return nil
	}
	return id
}

// Append implements VersionStore.
func (p *Postgres) Append(ctx context.Context, v *domain.Version) error {
	if v.ID == uuid.Nil {
		v.ID = uuid.New()
	}
	if v.CreatedAt.IsZero() {
		v.CreatedAt = time.Now()
	}
	var metaJSON any
	if len(v.Meta) > 0 {
		encoded, err := json.Marshal(v.Meta)
		if err != nil {
			return fmt.Errorf("failed to encode version meta: %w", err)
		}
		metaJSON = encoded
	}

	err := p.pool.QueryRow(ctx, `
		INSERT INTO versions (id, item_type, item_id, item_subtype, event, whodunnit, object, object_changes, meta, transaction_id, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		RETURNING ordinal
	`,
		v.ID, v.ItemType, v.ItemID, textOrNil(v.ItemSubtype), v.Event, textOrNil(v.Whodunnit),
		bytesOrNil(v.Object), bytesOrNil(v.ObjectChanges), metaJSON, uuidOrNil(v.TransactionID), v.CreatedAt,
	).Scan(&v.Ordinal)
	if err != nil {
		return fmt.Errorf("failed to append version: %w", err)
	}
	return nil
}

// SetTransactionID implements VersionStore.
func (p *Postgres) SetTransactionID(ctx context.Context, versionID, transactionID uuid.UUID) error {
	tag, err := p.pool.Exec(ctx,
		`UPDATE versions SET transaction_id = $2 WHERE id = $1`,
		versionID, transactionID,
	)
	if err != nil {
		return fmt.Errorf("failed to set transaction id: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("version %s not found", versionID)
	}
	return nil
}

func scanVersion(row pgx.Row) (*domain.Version, error) {
	var (
		v           domain.Version
		itemSubtype pgtype.Text
		whodunnit   pgtype.Text
		object      []byte
		changes     []byte
		metaJSON    []byte
		txnID       pgtype.UUID
	)
	err := row.Scan(
		&v.ID, &v.Ordinal, &v.ItemType, &v.ItemID, &itemSubtype, &v.Event,
		&whodunnit, &object, &changes, &metaJSON, &txnID, &v.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	v.ItemSubtype = itemSubtype.String
	v.Whodunnit = whodunnit.String
	v.Object = object
	v.ObjectChanges = changes
	if len(metaJSON) > 0 {
		if err := json.Unmarshal(metaJSON, &v.Meta); err != nil {
			return nil, fmt.Errorf("failed to decode version meta: %w", err)
		}
	}
	if txnID.Valid {
		v.TransactionID = uuid.UUID(txnID.Bytes)
	}
	return &v, nil
}

func (p *Postgres) queryVersions(ctx context.Context, sql string, args ...any) ([]*domain.Version, error) {
	rows, err := p.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query versions: %w", err)
	}
	defer rows.Close()

	var out []*domain.Version
	for rows.Next() {
		v, err := scanVersion(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan version: %w", err)
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

// ForItem implements VersionStore.
func (p *Postgres) ForItem(ctx context.Context, itemType, itemID string) ([]*domain.Version, error) {
	return p.queryVersions(ctx, `
		SELECT `+versionColumns+` FROM versions
		WHERE item_type = $1 AND item_id = $2
		ORDER BY created_at, ordinal
	`, itemType, itemID)
}

// Subsequent implements VersionStore.
func (p *Postgres) Subsequent(ctx context.Context, itemType, itemID string, pt domain.Point) ([]*domain.Version, error) {
	if pt.Ordinal == 0 {
		return p.queryVersions(ctx, `
			SELECT `+versionColumns+` FROM versions
			WHERE item_type = $1 AND item_id = $2 AND created_at > $3
			ORDER BY created_at, ordinal
		`, itemType, itemID, pt.At)
	}
	return p.queryVersions(ctx, `
		SELECT `+versionColumns+` FROM versions
		WHERE item_type = $1 AND item_id = $2 AND (created_at, ordinal) > ($3, $4)
		ORDER BY created_at, ordinal
	`, itemType, itemID, pt.At, pt.Ordinal)
}

// Preceding implements VersionStore.
func (p *Postgres) Preceding(ctx context.Context, itemType, itemID string, pt domain.Point) ([]*domain.Version, error) {
	if pt.Ordinal == 0 {
		return p.queryVersions(ctx, `
			SELECT `+versionColumns+` FROM versions
			WHERE item_type = $1 AND item_id = $2 AND created_at < $3
			ORDER BY created_at DESC, ordinal DESC
		`, itemType, itemID, pt.At)
	}
	return p.queryVersions(ctx, `
		SELECT `+versionColumns+` FROM versions
		WHERE item_type = $1 AND item_id = $2 AND (created_at, ordinal) < ($3, $4)
		ORDER BY created_at DESC, ordinal DESC
	`, itemType, itemID, pt.At, pt.Ordinal)
}

// Between implements VersionStore.
func (p *Postgres) Between(ctx context.Context, itemType, itemID string, start, end time.Time) ([]*domain.Version, error) {
	return p.queryVersions(ctx, `
		SELECT `+versionColumns+` FROM versions
		WHERE item_type = $1 AND item_id = $2 AND created_at > $3 AND created_at < $4
		ORDER BY created_at, ordinal
	`, itemType, itemID, start, end)
}

// IndexOf implements VersionStore.
func (p *Postgres) IndexOf(ctx context.Context, v *domain.Version) (int, error) {
	var index int
	err := p.pool.QueryRow(ctx, `
		SELECT COUNT(*) FROM versions
		WHERE item_type = $1 AND item_id = $2 AND (created_at, ordinal) < ($3, $4)
	`, v.ItemType, v.ItemID, v.CreatedAt, v.Ordinal).Scan(&index)
	if err != nil {
		return 0, fmt.Errorf("failed to compute version index: %w", err)
	}
	return index, nil
}

// FirstAtOrAfter implements VersionStore.
func (p *Postgres) FirstAtOrAfter(ctx context.Context, itemType, itemID string, at time.Time, transactionID uuid.UUID) (*domain.Version, error) {
	versions, err := p.queryVersions(ctx, `
		SELECT `+versionColumns+` FROM versions
		WHERE item_type = $1 AND item_id = $2 AND (created_at >= $3 OR transaction_id = $4)
		ORDER BY created_at, ordinal
		LIMIT 1
	`, itemType, itemID, at, uuidOrNil(transactionID))
	if err != nil {
		return nil, err
	}
	if len(versions) == 0 {
		return nil, nil
	}
	return versions[0], nil
}

// WhereObjectContains implements VersionStore. With jsonb columns the
// predicate pushes down as a containment query; with text columns it
// delegates to the serializer's pattern support, and fails with a typed
// error when the serializer has none.
func (p *Postgres) WhereObjectContains(ctx context.Context, itemType string, attrs map[string]any) ([]*domain.Version, error) {
	if p.mode == ColumnJSONB {
		filter, err := json.Marshal(attrs)
		if err != nil {
			return nil, fmt.Errorf("failed to encode containment filter: %w", err)
		}
		return p.queryVersions(ctx, `
			SELECT `+versionColumns+` FROM versions
			WHERE item_type = $1 AND object @> $2::jsonb
			ORDER BY created_at, ordinal
		`, itemType, filter)
	}

	matcher, ok := p.codec.(serializer.PatternMatcher)
	if !ok {
		return nil, fmt.Errorf("object contains query on text column: %w", domain.ErrUnsupportedColumn)
	}
	sql := `SELECT ` + versionColumns + ` FROM versions WHERE item_type = $1`
	args := []any{itemType}
	for name, value := range attrs {
		pattern, err := matcher.ContainsPattern(name, value)
		if err != nil {
			return nil, fmt.Errorf("failed to build pattern for %q: %w", name, err)
		}
		args = append(args, pattern)
		sql += fmt.Sprintf(" AND object LIKE $%d", len(args))
	}
	sql += ` ORDER BY created_at, ordinal`
	return p.queryVersions(ctx, sql, args...)
}

// WhereChangedAttribute implements VersionStore.
func (p *Postgres) WhereChangedAttribute(ctx context.Context, itemType, attribute string) ([]*domain.Version, error) {
	if p.mode != ColumnJSONB {
		return nil, fmt.Errorf("changed-attribute query on text column: %w", domain.ErrUnsupportedColumn)
	}
	return p.queryVersions(ctx, `
		SELECT `+versionColumns+` FROM versions
		WHERE item_type = $1 AND object_changes ? $2
		ORDER BY created_at, ordinal
	`, itemType, attribute)
}

func (p *Postgres) whereChangeSide(ctx context.Context, itemType, attribute string, value any, side int) ([]*domain.Version, error) {
	if p.mode != ColumnJSONB {
		return nil, fmt.Errorf("change query on text column: %w", domain.ErrUnsupportedColumn)
	}
	encoded, err := json.Marshal(value)
	if err != nil {
		return nil, fmt.Errorf("failed to encode change value: %w", err)
	}
	// The array index has to be typed explicitly: an untyped $n next to the
	// text-keyed -> operator resolves to a text field lookup, which is NULL
	// on the [old, new] pair arrays.
	return p.queryVersions(ctx, `
		SELECT `+versionColumns+` FROM versions
		WHERE item_type = $1 AND object_changes -> $2 -> ($3::int) = $4::jsonb
		ORDER BY created_at, ordinal
	`, itemType, attribute, side, encoded)
}

// WhereChangeFrom implements VersionStore.
func (p *Postgres) WhereChangeFrom(ctx context.Context, itemType, attribute string, value any) ([]*domain.Version, error) {
	return p.whereChangeSide(ctx, itemType, attribute, value, 0)
}

// WhereChangeTo implements VersionStore.
func (p *Postgres) WhereChangeTo(ctx context.Context, itemType, attribute string, value any) ([]*domain.Version, error) {
	return p.whereChangeSide(ctx, itemType, attribute, value, 1)
}

// ItemGroups implements MaintenanceStore.
func (p *Postgres) ItemGroups(ctx context.Context, filter CleanFilter) ([]ItemRef, error) {
	sql := `SELECT DISTINCT item_type, item_id FROM versions WHERE true`
	var args []any
	if filter.ItemType != "" {
		args = append(args, filter.ItemType)
		sql += fmt.Sprintf(" AND item_type = $%d", len(args))
	}
	if len(filter.ItemIDs) > 0 {
		args = append(args, filter.ItemIDs)
		sql += fmt.Sprintf(" AND item_id = ANY($%d)", len(args))
	}
	if filter.Date != nil {
		args = append(args, *filter.Date)
		sql += fmt.Sprintf(" AND created_at::date = $%d::date", len(args))
	}

	rows, err := p.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list item groups: %w", err)
	}
	defer rows.Close()

	var out []ItemRef
	for rows.Next() {
		var ref ItemRef
		if err := rows.Scan(&ref.Type, &ref.ID); err != nil {
			return nil, fmt.Errorf("failed to scan item group: %w", err)
		}
		out = append(out, ref)
	}
	return out, rows.Err()
}

// DeleteVersions implements MaintenanceStore. Association rows cascade via
// their foreign key.
func (p *Postgres) DeleteVersions(ctx context.Context, ids []uuid.UUID) error {
	if len(ids) == 0 {
		return nil
	}
	if _, err := p.pool.Exec(ctx, `DELETE FROM versions WHERE id = ANY($1)`, ids); err != nil {
		return fmt.Errorf("failed to delete versions: %w", err)
	}
	return nil
}

// Associations exposes the association-index surface of the Postgres store.
func (p *Postgres) Associations() AssociationStore {
	return postgresAssociations{p}
}

type postgresAssociations struct {
	p *Postgres
}

func (s postgresAssociations) Append(ctx context.Context, a *domain.VersionAssociation) error {
	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}
	_, err := s.p.pool.Exec(ctx, `
		INSERT INTO version_associations (id, version_id, transaction_id, foreign_key_name, foreign_key_id, foreign_type)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, a.ID, a.VersionID, uuidOrNil(a.TransactionID), a.ForeignKeyName, textOrNil(a.ForeignKeyID), textOrNil(a.ForeignType))
	if err != nil {
		return fmt.Errorf("failed to append version association: %w", err)
	}
	return nil
}

func (s postgresAssociations) QualifyingChildVersions(ctx context.Context, q ChildQuery) (map[string]*domain.Version, error) {
	rows, err := s.p.pool.Query(ctx, `
		SELECT DISTINCT ON (v.item_id) `+prefixedVersionColumns("v")+`
		FROM versions v
		JOIN version_associations va ON va.version_id = v.id
		WHERE va.foreign_key_name = $1 AND va.foreign_key_id = $2
		  AND v.item_type = $3
		  AND (v.created_at >= $4 OR v.transaction_id = $5)
		ORDER BY v.item_id, v.created_at, v.ordinal
	`, q.ForeignKeyName, q.ForeignKeyID, q.ChildType, q.At, uuidOrNil(q.TransactionID))
	if err != nil {
		return nil, fmt.Errorf("failed to query qualifying child versions: %w", err)
	}
	defer rows.Close()

	out := make(map[string]*domain.Version)
	for rows.Next() {
		v, err := scanVersion(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan child version: %w", err)
		}
		out[v.ItemID] = v
	}
	return out, rows.Err()
}

func (s postgresAssociations) RelatedIDs(ctx context.Context, foreignKeyName string, versionID, transactionID uuid.UUID) ([]string, error) {
	rows, err := s.p.pool.Query(ctx, `
		SELECT DISTINCT foreign_key_id FROM version_associations
		WHERE foreign_key_name = $1 AND (version_id = $2 OR transaction_id = $3)
	`, foreignKeyName, versionID, uuidOrNil(transactionID))
	if err != nil {
		return nil, fmt.Errorf("failed to query related ids: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var id pgtype.Text
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan related id: %w", err)
		}
		if id.Valid {
			out = append(out, id.String)
		}
	}
	return out, rows.Err()
}

func prefixedVersionColumns(alias string) string {
	return alias + ".id, " + alias + ".ordinal, " + alias + ".item_type, " + alias + ".item_id, " +
		alias + ".item_subtype, " + alias + ".event, " + alias + ".whodunnit, " + alias + ".object, " +
		alias + ".object_changes, " + alias + ".meta, " + alias + ".transaction_id, " + alias + ".created_at"
}
