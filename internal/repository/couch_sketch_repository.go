package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"time"

	"sketch-sync/internal/domain"

	"github.com/go-kivik/kivik/v4"
)

type couchSketchRepository struct {
	client   *kivik.Client
	dbName   string
	deviceID string
}

type sketchStateDoc struct {
	Rev string `json:"_rev,omitempty"`
	persistedState
}

// NewCouchSketchRepository stores the replica as the single CouchDB document
// "sketches:<deviceID>". Each Put replaces the document as a whole.
func NewCouchSketchRepository(client *kivik.Client, dbName, deviceID string) SketchRepository {
	return &couchSketchRepository{
		client:   client,
		dbName:   dbName,
		deviceID: deviceID,
	}
}

func (r *couchSketchRepository) docID() string {
	return fmt.Sprintf("%s:%s", StateKey, r.deviceID)
}

func (r *couchSketchRepository) Load(ctx context.Context) (*domain.ReplicaState, error) {
	db := r.client.DB(r.dbName)

	var raw json.RawMessage
	if err := db.Get(ctx, r.docID()).ScanDoc(&raw); err != nil {
		if kivik.HTTPStatus(err) == http.StatusNotFound {
			return domain.NewReplicaState(), nil
		}
		return domain.NewReplicaState(), fmt.Errorf("failed to fetch sketch state: %w", err)
	}

	state, err := decodeState(raw)
	if err != nil {
		return state, err
	}
	log.Printf("[Store] loaded %d sketches from couch document %s", len(state.Sketches), r.docID())
	return state, nil
}

func (r *couchSketchRepository) Save(ctx context.Context, state *domain.ReplicaState) error {
	db := r.client.DB(r.dbName)

	rev, err := db.GetRev(ctx, r.docID())
	if err != nil && kivik.HTTPStatus(err) != http.StatusNotFound {
		return fmt.Errorf("failed to fetch sketch state revision: %w", err)
	}

	doc := sketchStateDoc{
		Rev:            rev,
		persistedState: newPersistedState(r.deviceID, state, time.Now().UTC()),
	}
	if _, err := db.Put(ctx, r.docID(), doc); err != nil {
		return fmt.Errorf("failed to save sketch state: %w", err)
	}
	return nil
}
