package store

import (
	"context"
	"fmt"
	"strings"

	"cloud.google.com/go/firestore"
	firebase "firebase.google.com/go/v4"
	"google.golang.org/api/option"
)

type FirestoreConfig struct {
	ProjectID       string
	Collection      string
	CredentialsFile string
	CredentialsJSON string
}

// Firestore writes one document per connection into a collection.
type Firestore struct {
	client     *firestore.Client
	collection string
}

func NewFirestore(ctx context.Context, cfg FirestoreConfig) (*Firestore, error) {
	var opts []option.ClientOption
	switch {
	case strings.TrimSpace(cfg.CredentialsJSON) != "":
		opts = append(opts, option.WithCredentialsJSON([]byte(cfg.CredentialsJSON)))
	case strings.TrimSpace(cfg.CredentialsFile) != "":
		opts = append(opts, option.WithCredentialsFile(cfg.CredentialsFile))
	}

	var fbCfg *firebase.Config
	if cfg.ProjectID != "" {
		fbCfg = &firebase.Config{ProjectID: cfg.ProjectID}
	}
	app, err := firebase.NewApp(ctx, fbCfg, opts...)
	if err != nil {
		return nil, fmt.Errorf("init firebase app: %w", err)
	}
	client, err := app.Firestore(ctx)
	if err != nil {
		return nil, fmt.Errorf("init firestore client: %w", err)
	}

	collection := strings.TrimSpace(cfg.Collection)
	if collection == "" {
		collection = "calls"
	}
	return &Firestore{client: client, collection: collection}, nil
}

func (f *Firestore) SaveCall(ctx context.Context, rec CallRecord) error {
	if rec.ConnectionID == "" {
		return fmt.Errorf("connection id is required")
	}
	if _, err := f.client.Collection(f.collection).Doc(rec.ConnectionID).Set(ctx, rec); err != nil {
		return fmt.Errorf("save call %s: %w", rec.ConnectionID, err)
	}
	return nil
}

func (f *Firestore) Close() error {
	return f.client.Close()
}
