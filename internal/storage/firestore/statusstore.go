package firestore

import (
	"context"
	"fmt"
	"time"

	"cloud.google.com/go/firestore"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/tinywideclouds/go-pushlink-service/pkg/registration"
)

const collectionName = "pushlink-devices"

// FirestoreStore implements registration.StatusStore using Google Cloud Firestore.
// Each device owns a single document.
type FirestoreStore struct {
	client    *firestore.Client
	deviceKey string
}

func NewFirestoreStore(client *firestore.Client, deviceKey string) *FirestoreStore {
	return &FirestoreStore{client: client, deviceKey: deviceKey}
}

// statusRecord is the internal DB representation.
type statusRecord struct {
	Enabled             bool                        `firestore:"enabled"`
	AirGapped           bool                        `firestore:"air_gapped"`
	Distributor         string                      `firestore:"distributor"`
	Endpoint            string                      `firestore:"endpoint"`
	RelayURL            string                      `firestore:"relay_url"`
	RelayReachable      bool                        `firestore:"relay_reachable"`
	FetchStrategy       string                      `firestore:"fetch_strategy"`
	Status              string                      `firestore:"status"`
	LastPrivilegedFetch time.Time                   `firestore:"last_privileged_fetch"`
	Device              registration.DeviceIdentity `firestore:"device"`
	UpdatedAt           time.Time                   `firestore:"updated_at"`
}

// Read returns the stored settings; a missing document reads as defaults.
func (s *FirestoreStore) Read(ctx context.Context) (registration.Settings, error) {
	doc, err := s.docRef().Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return registration.DefaultSettings(), nil
		}
		return registration.Settings{}, fmt.Errorf("firestore get failed: %w", err)
	}

	var record statusRecord
	if err := doc.DataTo(&record); err != nil {
		return registration.Settings{}, fmt.Errorf("firestore decode failed: %w", err)
	}
	return record.toSettings()
}

// Write merges the delta into the device document in a single call.
func (s *FirestoreStore) Write(ctx context.Context, delta registration.Delta) error {
	if delta.IsEmpty() {
		return nil
	}

	fields := deltaFields(delta)
	fields["updated_at"] = time.Now()

	if _, err := s.docRef().Set(ctx, fields, firestore.MergeAll); err != nil {
		return fmt.Errorf("firestore write failed: %w", err)
	}
	return nil
}

func (r statusRecord) toSettings() (registration.Settings, error) {
	s := registration.DefaultSettings()
	s.Enabled = r.Enabled
	s.AirGapped = r.AirGapped
	s.Distributor = r.Distributor
	s.Endpoint = r.Endpoint
	s.RelayURL = r.RelayURL
	s.RelayReachable = r.RelayReachable
	s.LastPrivilegedFetch = r.LastPrivilegedFetch
	s.Device = r.Device

	if r.FetchStrategy != "" {
		fs, err := registration.ParseFetchStrategy(r.FetchStrategy)
		if err != nil {
			return registration.Settings{}, err
		}
		s.FetchStrategy = fs
	}
	if r.Status != "" {
		st, err := registration.ParseStatus(r.Status)
		if err != nil {
			return registration.Settings{}, err
		}
		s.RegistrationStatus = st
	}
	return s, nil
}

func deltaFields(d registration.Delta) map[string]interface{} {
	fields := make(map[string]interface{})
	if d.Enabled != nil {
		fields["enabled"] = *d.Enabled
	}
	if d.AirGapped != nil {
		fields["air_gapped"] = *d.AirGapped
	}
	if d.Distributor != nil {
		fields["distributor"] = *d.Distributor
	}
	if d.Endpoint != nil {
		fields["endpoint"] = *d.Endpoint
	}
	if d.RelayURL != nil {
		fields["relay_url"] = *d.RelayURL
	}
	if d.RelayReachable != nil {
		fields["relay_reachable"] = *d.RelayReachable
	}
	if d.FetchStrategy != nil {
		fields["fetch_strategy"] = string(*d.FetchStrategy)
	}
	if d.RegistrationStatus != nil {
		fields["status"] = string(*d.RegistrationStatus)
	}
	if d.LastPrivilegedFetch != nil {
		fields["last_privileged_fetch"] = *d.LastPrivilegedFetch
	}
	if d.Device != nil {
		fields["device"] = map[string]interface{}{
			"uuid":      d.Device.UUID,
			"device_id": d.Device.DeviceID,
			"password":  d.Device.Password,
		}
	}
	return fields
}

// docRef: pushlink-devices/{deviceKey}
func (s *FirestoreStore) docRef() *firestore.DocumentRef {
	return s.client.Collection(collectionName).Doc(s.deviceKey)
}
