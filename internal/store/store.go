package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/iurnickita/postbackcache/internal/model"
	"github.com/iurnickita/postbackcache/internal/store/config"
)

type Store interface {
	OfferGet(ctx context.Context, offerID string) (model.Offer, error)
	OfferList(ctx context.Context) ([]model.Offer, error)
	OfferPost(ctx context.Context, offer model.Offer) error
	OfferPut(ctx context.Context, offer model.Offer) error
	OfferDelete(ctx context.Context, offerID string) error
	OfferAssign(ctx context.Context, offerID string, verticalID int64) error
	OfferUnassign(ctx context.Context, offerID string) error
	OfferListByVertical(ctx context.Context, verticalID int64) ([]string, error)
	OfferListUnassignedCached(ctx context.Context) ([]string, error)

	VerticalGet(ctx context.Context, verticalID int64) (model.Vertical, error)
	VerticalList(ctx context.Context) ([]model.Vertical, error)
	VerticalPost(ctx context.Context, vertical model.Vertical) (int64, error)
	VerticalPut(ctx context.Context, vertical model.Vertical) error
	VerticalDelete(ctx context.Context, verticalID int64) error

	CachePost(ctx context.Context, row model.CachedConversion) error
	CacheSum(ctx context.Context, scope model.CacheScope) (int64, error)
	CacheGet(ctx context.Context, scope model.CacheScope) ([]model.CachedConversion, error)
	CacheClear(ctx context.Context, scope model.CacheScope) (int64, error)
	CacheClearAll(ctx context.Context) (int64, error)

	PostbackPost(ctx context.Context, attempt model.PostbackAttempt) error
	LogPost(ctx context.Context, entry model.ConversionLog) error
	LogGetRecent(ctx context.Context, limit int) ([]model.ConversionLog, error)
	LogGetLastTime(ctx context.Context, action string) (time.Time, error)
	StatsGet(ctx context.Context) (model.Stats, error)

	Close() error
}

var (
	ErrNoRows        = errors.New("no rows")
	ErrAlreadyExists = errors.New("already exists")
)

type store struct {
	database *sql.DB
}

func NewStore(cfg config.Config) (Store, error) {
	db, err := sql.Open("pgx", cfg.DBDsn)
	if err != nil {
		return nil, err
	}

	for _, query := range schema {
		if _, err = db.Exec(query); err != nil {
			db.Close()
			return nil, fmt.Errorf("init schema: %w", err)
		}
	}

	return &store{
		database: db,
	}, nil
}

var schema = []string{
	// Офферы. Поля trigger_amount/low/high заполняются только в режиме advanced
	"CREATE TABLE IF NOT EXISTS offers (" +
		" offer_id VARCHAR (50) PRIMARY KEY," +
		" offer_name VARCHAR (255) NOT NULL DEFAULT ''," +
		" mode VARCHAR (10) NOT NULL DEFAULT 'simple'," +
		" trigger_amount NUMERIC (10, 2)," +
		" low_event_type VARCHAR (100)," +
		" high_event_type VARCHAR (100)," +
		" created_at TIMESTAMPTZ NOT NULL DEFAULT now()," +
		" updated_at TIMESTAMPTZ NOT NULL DEFAULT now()" +
		" );",
	// Вертикали
	"CREATE TABLE IF NOT EXISTS verticals (" +
		" id BIGSERIAL PRIMARY KEY," +
		" name VARCHAR (255) NOT NULL UNIQUE," +
		" payout_threshold NUMERIC (10, 2) NOT NULL DEFAULT 10.00 CHECK (payout_threshold > 0)," +
		" description TEXT NOT NULL DEFAULT ''," +
		" created_at TIMESTAMPTZ NOT NULL DEFAULT now()," +
		" updated_at TIMESTAMPTZ NOT NULL DEFAULT now()" +
		" );",
	// Привязка оффера к вертикали: не более одной на оффер.
	// Удаление вертикали отвязывает офферы, но не удаляет их
	"CREATE TABLE IF NOT EXISTS offer_verticals (" +
		" offer_id VARCHAR (50) PRIMARY KEY REFERENCES offers (offer_id) ON DELETE CASCADE," +
		" vertical_id BIGINT NOT NULL REFERENCES verticals (id) ON DELETE CASCADE," +
		" created_at TIMESTAMPTZ NOT NULL DEFAULT now()" +
		" );",
	"CREATE INDEX IF NOT EXISTS idx_offer_verticals_vertical ON offer_verticals (vertical_id);",
	// Кэш конверсий. Журнал: строки только добавляются и удаляются при сбросе
	"CREATE TABLE IF NOT EXISTS cached_conversions (" +
		" id BIGSERIAL PRIMARY KEY," +
		" clickid VARCHAR (24) NOT NULL," +
		" offer_id VARCHAR (50) NOT NULL," +
		" amount BIGINT NOT NULL," +
		" param1 DOUBLE PRECISION NOT NULL DEFAULT 0," +
		" created_at TIMESTAMPTZ NOT NULL DEFAULT now()" +
		" );",
	"CREATE INDEX IF NOT EXISTS idx_cached_conversions_offer ON cached_conversions (offer_id, created_at);",
	// История отправленных постбеков
	"CREATE TABLE IF NOT EXISTS postback_history (" +
		" id BIGSERIAL PRIMARY KEY," +
		" clickid VARCHAR (255) NOT NULL," +
		" offer_id VARCHAR (255) NOT NULL," +
		" amount BIGINT NOT NULL," +
		" param1 DOUBLE PRECISION NOT NULL DEFAULT 0," +
		" postback_url TEXT NOT NULL," +
		" success BOOLEAN NOT NULL DEFAULT FALSE," +
		" response_text TEXT NOT NULL DEFAULT ''," +
		" error_message TEXT NOT NULL DEFAULT ''," +
		" created_at TIMESTAMPTZ NOT NULL DEFAULT now()" +
		" );",
	"CREATE INDEX IF NOT EXISTS idx_postback_history_offer ON postback_history (offer_id);",
	// Журнал решений
	"CREATE TABLE IF NOT EXISTS conversion_logs (" +
		" id BIGSERIAL PRIMARY KEY," +
		" clickid VARCHAR (255) NOT NULL DEFAULT ''," +
		" offer_id VARCHAR (255) NOT NULL DEFAULT ''," +
		" original_amount BIGINT NOT NULL DEFAULT 0," +
		" original_param1 DOUBLE PRECISION NOT NULL DEFAULT 0," +
		" cached_amount BIGINT NOT NULL DEFAULT 0," +
		" total_sent BIGINT NOT NULL DEFAULT 0," +
		" trigger_param1 DOUBLE PRECISION NOT NULL DEFAULT 0," +
		" action VARCHAR (50) NOT NULL," +
		" message TEXT NOT NULL DEFAULT ''," +
		" created_at TIMESTAMPTZ NOT NULL DEFAULT now()" +
		" );",
	"CREATE INDEX IF NOT EXISTS idx_conversion_logs_action ON conversion_logs (action, created_at);",
}

func (store *store) Close() error {
	return store.database.Close()
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

func isForeignKeyViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23503"
}

// Офферы

const offerSelect = "SELECT o.offer_id, o.offer_name, o.mode, o.trigger_amount::float8, o.low_event_type, o.high_event_type," +
	" v.id, v.name, v.payout_threshold::float8, v.description" +
	" FROM offers o" +
	" LEFT JOIN offer_verticals ov ON o.offer_id = ov.offer_id" +
	" LEFT JOIN verticals v ON ov.vertical_id = v.id"

type rowScanner interface {
	Scan(dest ...any) error
}

func scanOffer(row rowScanner) (model.Offer, error) {
	var (
		offer         model.Offer
		mode          string
		triggerAmount sql.NullFloat64
		lowEvent      sql.NullString
		highEvent     sql.NullString
		verticalID    sql.NullInt64
		verticalName  sql.NullString
		threshold     sql.NullFloat64
		description   sql.NullString
	)
	err := row.Scan(&offer.ID,
		&offer.Name,
		&mode,
		&triggerAmount,
		&lowEvent,
		&highEvent,
		&verticalID,
		&verticalName,
		&threshold,
		&description)
	if err != nil {
		return model.Offer{}, err
	}

	switch mode {
	case model.ModeAdvanced:
		offer.Mode = model.AdvancedMode{
			TriggerAmount: triggerAmount.Float64,
			LowEvent:      lowEvent.String,
			HighEvent:     highEvent.String,
		}
	default:
		offer.Mode = model.SimpleMode{}
	}

	if verticalID.Valid {
		offer.Vertical = &model.Vertical{
			ID:              verticalID.Int64,
			Name:            verticalName.String,
			PayoutThreshold: threshold.Float64,
			Description:     description.String,
		}
	}
	return offer, nil
}

// Поля режима advanced в виде nullable-значений для записи
func offerModeArgs(offer model.Offer) (string, any, any, any) {
	advanced, ok := offer.Mode.(model.AdvancedMode)
	if !ok {
		return model.ModeSimple, nil, nil, nil
	}
	var highEvent any
	if advanced.HighEvent != "" {
		highEvent = advanced.HighEvent
	}
	return model.ModeAdvanced, advanced.TriggerAmount, advanced.LowEvent, highEvent
}

func (store *store) OfferGet(ctx context.Context, offerID string) (model.Offer, error) {
	row := store.database.QueryRowContext(ctx,
		offerSelect+" WHERE o.offer_id = $1",
		offerID)
	offer, err := scanOffer(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.Offer{}, ErrNoRows
		}
		return model.Offer{}, err
	}
	return offer, nil
}

func (store *store) OfferList(ctx context.Context) ([]model.Offer, error) {
	rows, err := store.database.QueryContext(ctx,
		offerSelect+" ORDER BY o.offer_id")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var offers []model.Offer
	for rows.Next() {
		offer, err := scanOffer(rows)
		if err != nil {
			return nil, err
		}
		offers = append(offers, offer)
	}
	return offers, rows.Err()
}

func (store *store) OfferPost(ctx context.Context, offer model.Offer) error {
	mode, trigger, low, high := offerModeArgs(offer)
	_, err := store.database.ExecContext(ctx,
		"INSERT INTO offers (offer_id, offer_name, mode, trigger_amount, low_event_type, high_event_type)"+
			" VALUES ($1, $2, $3, $4, $5, $6)",
		offer.ID,
		offer.Name,
		mode,
		trigger,
		low,
		high)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrAlreadyExists
		}
		return err
	}
	return nil
}

func (store *store) OfferPut(ctx context.Context, offer model.Offer) error {
	mode, trigger, low, high := offerModeArgs(offer)
	result, err := store.database.ExecContext(ctx,
		"UPDATE offers"+
			" SET offer_name = $1, mode = $2, trigger_amount = $3, low_event_type = $4, high_event_type = $5,"+
			"     updated_at = now()"+
			" WHERE offer_id = $6",
		offer.Name,
		mode,
		trigger,
		low,
		high,
		offer.ID)
	if err != nil {
		return err
	}
	return requireAffected(result)
}

// Удаление оффера вместе с его кэшем, историей постбеков, журналом и привязкой к вертикали
func (store *store) OfferDelete(ctx context.Context, offerID string) error {
	tx, err := store.database.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, query := range []string{
		"DELETE FROM cached_conversions WHERE offer_id = $1",
		"DELETE FROM postback_history WHERE offer_id = $1",
		"DELETE FROM conversion_logs WHERE offer_id = $1",
		"DELETE FROM offer_verticals WHERE offer_id = $1",
	} {
		if _, err = tx.ExecContext(ctx, query, offerID); err != nil {
			return err
		}
	}

	result, err := tx.ExecContext(ctx, "DELETE FROM offers WHERE offer_id = $1", offerID)
	if err != nil {
		return err
	}
	if err = requireAffected(result); err != nil {
		return err
	}
	return tx.Commit()
}

func (store *store) OfferAssign(ctx context.Context, offerID string, verticalID int64) error {
	_, err := store.database.ExecContext(ctx,
		"INSERT INTO offer_verticals (offer_id, vertical_id)"+
			" VALUES ($1, $2)"+
			" ON CONFLICT (offer_id) DO UPDATE SET vertical_id = EXCLUDED.vertical_id, created_at = now()",
		offerID,
		verticalID)
	if err != nil {
		if isForeignKeyViolation(err) {
			return ErrNoRows
		}
		return err
	}
	return nil
}

func (store *store) OfferUnassign(ctx context.Context, offerID string) error {
	_, err := store.database.ExecContext(ctx,
		"DELETE FROM offer_verticals WHERE offer_id = $1",
		offerID)
	return err
}

func (store *store) OfferListByVertical(ctx context.Context, verticalID int64) ([]string, error) {
	return store.queryStrings(ctx,
		"SELECT offer_id FROM offer_verticals"+
			" WHERE vertical_id = $1"+
			" ORDER BY offer_id",
		verticalID)
}

// Офферы без вертикали, у которых есть кэш: каждый сбрасывается отдельно
func (store *store) OfferListUnassignedCached(ctx context.Context) ([]string, error) {
	return store.queryStrings(ctx,
		"SELECT DISTINCT cc.offer_id FROM cached_conversions cc"+
			" LEFT JOIN offer_verticals ov ON cc.offer_id = ov.offer_id"+
			" WHERE ov.offer_id IS NULL"+
			" ORDER BY cc.offer_id")
}

func (store *store) queryStrings(ctx context.Context, query string, args ...any) ([]string, error) {
	rows, err := store.database.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var values []string
	for rows.Next() {
		var value string
		if err := rows.Scan(&value); err != nil {
			return nil, err
		}
		values = append(values, value)
	}
	return values, rows.Err()
}

// Вертикали

const verticalSelect = "SELECT id, name, payout_threshold::float8, description, created_at, updated_at FROM verticals"

func scanVertical(row rowScanner) (model.Vertical, error) {
	var vertical model.Vertical
	err := row.Scan(&vertical.ID,
		&vertical.Name,
		&vertical.PayoutThreshold,
		&vertical.Description,
		&vertical.CreatedAt,
		&vertical.UpdatedAt)
	return vertical, err
}

func (store *store) VerticalGet(ctx context.Context, verticalID int64) (model.Vertical, error) {
	row := store.database.QueryRowContext(ctx,
		verticalSelect+" WHERE id = $1",
		verticalID)
	vertical, err := scanVertical(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.Vertical{}, ErrNoRows
		}
		return model.Vertical{}, err
	}
	return vertical, nil
}

func (store *store) VerticalList(ctx context.Context) ([]model.Vertical, error) {
	rows, err := store.database.QueryContext(ctx, verticalSelect+" ORDER BY name")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var verticals []model.Vertical
	for rows.Next() {
		vertical, err := scanVertical(rows)
		if err != nil {
			return nil, err
		}
		verticals = append(verticals, vertical)
	}
	return verticals, rows.Err()
}

func (store *store) VerticalPost(ctx context.Context, vertical model.Vertical) (int64, error) {
	row := store.database.QueryRowContext(ctx,
		"INSERT INTO verticals (name, payout_threshold, description)"+
			" VALUES ($1, $2, $3)"+
			" RETURNING id",
		vertical.Name,
		vertical.PayoutThreshold,
		vertical.Description)
	var id int64
	if err := row.Scan(&id); err != nil {
		if isUniqueViolation(err) {
			return 0, ErrAlreadyExists
		}
		return 0, err
	}
	return id, nil
}

func (store *store) VerticalPut(ctx context.Context, vertical model.Vertical) error {
	result, err := store.database.ExecContext(ctx,
		"UPDATE verticals"+
			" SET name = $1, payout_threshold = $2, description = $3, updated_at = now()"+
			" WHERE id = $4",
		vertical.Name,
		vertical.PayoutThreshold,
		vertical.Description,
		vertical.ID)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrAlreadyExists
		}
		return err
	}
	return requireAffected(result)
}

func (store *store) VerticalDelete(ctx context.Context, verticalID int64) error {
	result, err := store.database.ExecContext(ctx,
		"DELETE FROM verticals WHERE id = $1",
		verticalID)
	if err != nil {
		return err
	}
	return requireAffected(result)
}

// Кэш конверсий

// Условие отбора строк кэша по области: вертикаль целиком или один оффер
func scopeCondition(scope model.CacheScope) (string, any) {
	if scope.IsVertical() {
		return "offer_id IN (SELECT offer_id FROM offer_verticals WHERE vertical_id = $1)", scope.VerticalID
	}
	return "offer_id = $1", scope.OfferID
}

func (store *store) CachePost(ctx context.Context, row model.CachedConversion) error {
	createdAt := row.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}
	_, err := store.database.ExecContext(ctx,
		"INSERT INTO cached_conversions (clickid, offer_id, amount, param1, created_at)"+
			" VALUES ($1, $2, $3, $4, $5)",
		row.ClickID,
		row.OfferID,
		row.Amount,
		row.QualifyingValue,
		createdAt)
	return err
}

func (store *store) CacheSum(ctx context.Context, scope model.CacheScope) (int64, error) {
	cond, arg := scopeCondition(scope)
	row := store.database.QueryRowContext(ctx,
		"SELECT COALESCE(SUM(amount), 0)::BIGINT FROM cached_conversions WHERE "+cond,
		arg)
	var total int64
	if err := row.Scan(&total); err != nil {
		return 0, err
	}
	return total, nil
}

// Строки кэша от старых к новым
func (store *store) CacheGet(ctx context.Context, scope model.CacheScope) ([]model.CachedConversion, error) {
	cond, arg := scopeCondition(scope)
	rows, err := store.database.QueryContext(ctx,
		"SELECT id, clickid, offer_id, amount, param1, created_at"+
			" FROM cached_conversions"+
			" WHERE "+cond+
			" ORDER BY created_at, id",
		arg)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var cached []model.CachedConversion
	for rows.Next() {
		var row model.CachedConversion
		err := rows.Scan(&row.ID,
			&row.ClickID,
			&row.OfferID,
			&row.Amount,
			&row.QualifyingValue,
			&row.CreatedAt)
		if err != nil {
			return nil, err
		}
		cached = append(cached, row)
	}
	return cached, rows.Err()
}

func (store *store) CacheClear(ctx context.Context, scope model.CacheScope) (int64, error) {
	cond, arg := scopeCondition(scope)
	result, err := store.database.ExecContext(ctx,
		"DELETE FROM cached_conversions WHERE "+cond,
		arg)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

func (store *store) CacheClearAll(ctx context.Context) (int64, error) {
	result, err := store.database.ExecContext(ctx, "DELETE FROM cached_conversions")
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

// Журналы

func (store *store) PostbackPost(ctx context.Context, attempt model.PostbackAttempt) error {
	_, err := store.database.ExecContext(ctx,
		"INSERT INTO postback_history (clickid, offer_id, amount, param1, postback_url, success, response_text, error_message)"+
			" VALUES ($1, $2, $3, $4, $5, $6, $7, $8)",
		attempt.ClickID,
		attempt.OfferID,
		attempt.Amount,
		attempt.QualifyingValue,
		attempt.URL,
		attempt.Success,
		attempt.ResponseText,
		attempt.ErrorMessage)
	return err
}

func (store *store) LogPost(ctx context.Context, entry model.ConversionLog) error {
	_, err := store.database.ExecContext(ctx,
		"INSERT INTO conversion_logs"+
			" (clickid, offer_id, original_amount, original_param1, cached_amount, total_sent, trigger_param1, action, message)"+
			" VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)",
		entry.ClickID,
		entry.OfferID,
		entry.OriginalAmount,
		entry.OriginalParam1,
		entry.CachedAmount,
		entry.TotalSent,
		entry.TriggerParam1,
		entry.Action,
		entry.Message)
	return err
}

func (store *store) LogGetRecent(ctx context.Context, limit int) ([]model.ConversionLog, error) {
	rows, err := store.database.QueryContext(ctx,
		"SELECT id, clickid, offer_id, original_amount, original_param1, cached_amount, total_sent,"+
			" trigger_param1, action, message, created_at"+
			" FROM conversion_logs"+
			" ORDER BY created_at DESC, id DESC"+
			" LIMIT $1",
		limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []model.ConversionLog
	for rows.Next() {
		var entry model.ConversionLog
		err := rows.Scan(&entry.ID,
			&entry.ClickID,
			&entry.OfferID,
			&entry.OriginalAmount,
			&entry.OriginalParam1,
			&entry.CachedAmount,
			&entry.TotalSent,
			&entry.TriggerParam1,
			&entry.Action,
			&entry.Message,
			&entry.CreatedAt)
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

func (store *store) LogGetLastTime(ctx context.Context, action string) (time.Time, error) {
	row := store.database.QueryRowContext(ctx,
		"SELECT created_at FROM conversion_logs"+
			" WHERE action = $1"+
			" ORDER BY created_at DESC"+
			" LIMIT 1",
		action)
	var createdAt time.Time
	if err := row.Scan(&createdAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return time.Time{}, ErrNoRows
		}
		return time.Time{}, err
	}
	return createdAt, nil
}

func requireAffected(result sql.Result) error {
	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrNoRows
	}
	return nil
}
