package profile

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/icarus-drones/storefront-api/internal/common"
)

// Profile is the persisted customer record. The loyalty balance lives here but
// is written exclusively by the loyalty ledger.
type Profile struct {
	UserID         string `json:"userId"`
	Username       string `json:"username"`
	Email          string `json:"email"`
	Phone          string `json:"phone"`
	StreetAddress1 string `json:"streetAddress1"`
	StreetAddress2 string `json:"streetAddress2"`
	City           string `json:"city"`
	County         string `json:"county"`
	Postcode       string `json:"postcode"`
	Country        string `json:"country"`
	LoyaltyPoints  int64  `json:"loyaltyPoints"`
}

// Repo persists profiles.
type Repo struct {
	Pool *pgxpool.Pool
}

// Get fetches a profile by user id.
func (r *Repo) Get(ctx context.Context, userID string) (Profile, error) {
	if r == nil || r.Pool == nil {
		return Profile{}, errors.New("profile: repo not configured")
	}
	var p Profile
	err := r.Pool.QueryRow(ctx, `
		SELECT user_id, COALESCE(username,''), COALESCE(email,''), COALESCE(phone,''),
			COALESCE(street_address1,''), COALESCE(street_address2,''), COALESCE(city,''),
			COALESCE(county,''), COALESCE(postcode,''), COALESCE(country,''), loyalty_points
		FROM profiles WHERE user_id = $1`, userID).Scan(
		&p.UserID, &p.Username, &p.Email, &p.Phone,
		&p.StreetAddress1, &p.StreetAddress2, &p.City,
		&p.County, &p.Postcode, &p.Country, &p.LoyaltyPoints,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Profile{}, common.ErrNotFound
		}
		return Profile{}, fmt.Errorf("profile: get: %w", err)
	}
	return p, nil
}

// SaveInfo upserts the contact and address fields of a profile. The loyalty
// balance is deliberately not writable here.
func (r *Repo) SaveInfo(ctx context.Context, p Profile) error {
	if r == nil || r.Pool == nil {
		return errors.New("profile: repo not configured")
	}
	_, err := r.Pool.Exec(ctx, `
		INSERT INTO profiles (user_id, username, email, phone,
			street_address1, street_address2, city, county, postcode, country)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
		ON CONFLICT (user_id) DO UPDATE SET
			username = EXCLUDED.username,
			email = EXCLUDED.email,
			phone = EXCLUDED.phone,
			street_address1 = EXCLUDED.street_address1,
			street_address2 = EXCLUDED.street_address2,
			city = EXCLUDED.city,
			county = EXCLUDED.county,
			postcode = EXCLUDED.postcode,
			country = EXCLUDED.country,
			updated_at = now()`,
		p.UserID, p.Username, p.Email, p.Phone,
		p.StreetAddress1, p.StreetAddress2, p.City, p.County, p.Postcode, p.Country,
	)
	if err != nil {
		return fmt.Errorf("profile: save info: %w", err)
	}
	return nil
}
