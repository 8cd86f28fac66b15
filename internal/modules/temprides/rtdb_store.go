// README: Firebase RTDB projection store, the primary copy.
package temprides

import (
	"context"
	"fmt"

	"firebase.google.com/go/v4/db"

	"ridedispatch/internal/types"
)

const rtdbRoot = "temp_rides"

type RTDBStore struct {
	client *db.Client
}

func NewRTDBStore(client *db.Client) *RTDBStore {
	return &RTDBStore{client: client}
}

func (s *RTDBStore) Put(ctx context.Context, t TempRide) error {
	if err := s.client.NewRef(rtdbRoot+"/"+t.RideID.String()).Set(ctx, t); err != nil {
		return fmt.Errorf("writing temp ride %s: %w", t.RideID, err)
	}
	return nil
}

func (s *RTDBStore) Get(ctx context.Context, rideID types.ID) (*TempRide, error) {
	var t TempRide
	if err := s.client.NewRef(rtdbRoot+"/"+rideID.String()).Get(ctx, &t); err != nil {
		return nil, fmt.Errorf("reading temp ride %s: %w", rideID, err)
	}
	// A missing node decodes as the zero value.
	if t.RideID == "" {
		return nil, ErrNotFound
	}
	return &t, nil
}
