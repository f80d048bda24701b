package store

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgtype"

	"media-reconciler/internal/models"
)

// CatalogAlbums loads the full album catalog. Reconciliation calls it once per pass.
func (s *Store) CatalogAlbums(ctx context.Context) ([]models.CatalogAlbum, error) {
	rows, err := s.pool.Query(ctx, `SELECT id, artist_name, title, mbid FROM catalog_albums ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("query catalog: %w", err)
	}
	defer rows.Close()
	var out []models.CatalogAlbum
	for rows.Next() {
		var (
			a    models.CatalogAlbum
			mbid pgtype.Text
		)
		if err := rows.Scan(&a.ID, &a.Artist, &a.Title, &mbid); err != nil {
			return nil, err
		}
		a.MBID = textValue(mbid)
		out = append(out, a)
	}
	return out, rows.Err()
}

// AddCatalogAlbum upserts an album into the catalog snapshot.
func (s *Store) AddCatalogAlbum(ctx context.Context, a models.CatalogAlbum) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO catalog_albums (id, artist_name, title, mbid)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (id) DO UPDATE SET artist_name = EXCLUDED.artist_name, title = EXCLUDED.title, mbid = EXCLUDED.mbid
	`, a.ID, a.Artist, a.Title, emptyToNil(a.MBID))
	if err != nil {
		return fmt.Errorf("upsert catalog album: %w", err)
	}
	return nil
}
