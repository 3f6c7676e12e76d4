package store

import (
	"context"
	"database/sql"

	"github.com/iurnickita/postbackcache/internal/model"
)

func (store *store) StatsGet(ctx context.Context) (model.Stats, error) {
	var stats model.Stats

	// Общий кэш
	row := store.database.QueryRowContext(ctx,
		"SELECT COALESCE(SUM(amount), 0)::BIGINT, COUNT(*) FROM cached_conversions")
	if err := row.Scan(&stats.GlobalCachedAmount, &stats.CachedConversions); err != nil {
		return model.Stats{}, err
	}

	// Постбеки
	row = store.database.QueryRowContext(ctx,
		"SELECT COUNT(*), COUNT(*) FILTER (WHERE success) FROM postback_history")
	if err := row.Scan(&stats.TotalPostbacks, &stats.SuccessfulPostbacks); err != nil {
		return model.Stats{}, err
	}

	var err error
	if stats.Offers, err = store.offerStats(ctx); err != nil {
		return model.Stats{}, err
	}
	if stats.Verticals, err = store.verticalStats(ctx); err != nil {
		return model.Stats{}, err
	}
	return stats, nil
}

func (store *store) offerStats(ctx context.Context) ([]model.OfferStats, error) {
	rows, err := store.database.QueryContext(ctx,
		"SELECT o.offer_id, o.offer_name, o.mode, COALESCE(v.id, 0), COALESCE(v.name, ''),"+
			" COALESCE(c.amount, 0), COALESCE(c.conversions, 0), COALESCE(c.clicks, 0),"+
			" COALESCE(p.postbacks, 0), c.last_conversion"+
			" FROM offers o"+
			" LEFT JOIN offer_verticals ov ON o.offer_id = ov.offer_id"+
			" LEFT JOIN verticals v ON ov.vertical_id = v.id"+
			" LEFT JOIN (SELECT offer_id, SUM(amount)::BIGINT AS amount, COUNT(*) AS conversions,"+
			"                   COUNT(DISTINCT clickid) AS clicks, MAX(created_at) AS last_conversion"+
			"            FROM cached_conversions GROUP BY offer_id) c ON c.offer_id = o.offer_id"+
			" LEFT JOIN (SELECT offer_id, COUNT(*) AS postbacks"+
			"            FROM postback_history GROUP BY offer_id) p ON p.offer_id = o.offer_id"+
			" ORDER BY o.offer_id")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var offers []model.OfferStats
	for rows.Next() {
		var (
			offer model.OfferStats
			last  sql.NullTime
		)
		err := rows.Scan(&offer.OfferID,
			&offer.Name,
			&offer.Mode,
			&offer.VerticalID,
			&offer.VerticalName,
			&offer.CachedAmount,
			&offer.CachedConversions,
			&offer.UniqueClickIDs,
			&offer.Postbacks,
			&last)
		if err != nil {
			return nil, err
		}
		if last.Valid {
			offer.LastConversion = &last.Time
		}
		offers = append(offers, offer)
	}
	return offers, rows.Err()
}

func (store *store) verticalStats(ctx context.Context) ([]model.VerticalStats, error) {
	rows, err := store.database.QueryContext(ctx,
		"SELECT v.id, v.name, v.payout_threshold::float8, v.description, v.created_at, v.updated_at,"+
			" (SELECT COUNT(*) FROM offer_verticals ov WHERE ov.vertical_id = v.id),"+
			" COALESCE(c.amount, 0), COALESCE(c.conversions, 0), COALESCE(c.clicks, 0),"+
			" COALESCE(p.postbacks, 0), COALESCE(p.successful, 0)"+
			" FROM verticals v"+
			" LEFT JOIN (SELECT ov.vertical_id, SUM(cc.amount)::BIGINT AS amount, COUNT(*) AS conversions,"+
			"                   COUNT(DISTINCT cc.clickid) AS clicks"+
			"            FROM cached_conversions cc JOIN offer_verticals ov ON cc.offer_id = ov.offer_id"+
			"            GROUP BY ov.vertical_id) c ON c.vertical_id = v.id"+
			" LEFT JOIN (SELECT ov.vertical_id, COUNT(*) AS postbacks, COUNT(*) FILTER (WHERE ph.success) AS successful"+
			"            FROM postback_history ph JOIN offer_verticals ov ON ph.offer_id = ov.offer_id"+
			"            GROUP BY ov.vertical_id) p ON p.vertical_id = v.id"+
			" ORDER BY COALESCE(c.amount, 0) DESC, v.name")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var verticals []model.VerticalStats
	for rows.Next() {
		var vertical model.VerticalStats
		err := rows.Scan(&vertical.Vertical.ID,
			&vertical.Vertical.Name,
			&vertical.Vertical.PayoutThreshold,
			&vertical.Vertical.Description,
			&vertical.Vertical.CreatedAt,
			&vertical.Vertical.UpdatedAt,
			&vertical.Offers,
			&vertical.CachedAmount,
			&vertical.CachedConversions,
			&vertical.UniqueClickIDs,
			&vertical.Postbacks,
			&vertical.SuccessfulPostbacks)
		if err != nil {
			return nil, err
		}
		verticals = append(verticals, vertical)
	}
	return verticals, rows.Err()
}
