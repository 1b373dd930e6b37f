package persona

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/julesdesai/writing-anima/internal/index"
	"github.com/julesdesai/writing-anima/internal/logging"
)

const (
	maxNameLength        = 100
	maxDescriptionLength = 500
)

// DefaultModelID is assigned to personas created without a model choice.
const DefaultModelID = "claude-sonnet-4-5-20250929"

// Models is the static catalog of selectable LLMs.
var Models = []Model{
	{
		ID:          "claude-sonnet-4-5-20250929",
		Name:        "Claude Sonnet 4.5",
		Provider:    "anthropic",
		Description: "Balanced quality and latency; the default critic model.",
	},
	{
		ID:          "claude-opus-4-1-20250805",
		Name:        "Claude Opus 4.1",
		Provider:    "anthropic",
		Description: "Highest quality critique for long or difficult drafts.",
	},
	{
		ID:          "claude-haiku-4-5-20251001",
		Name:        "Claude Haiku 4.5",
		Provider:    "anthropic",
		Description: "Fast, inexpensive feedback passes.",
	},
}

// Registry manages persona lifecycle and enforces ownership on every
// operation. It also resolves (user, persona) pairs to collection ids for
// the retrieval path.
type Registry struct {
	store  Store
	index  index.Store
	dim    int
	logger *logging.Logger

	// leases serializes metadata writes per persona so counters stay accurate.
	leases sync.Map // personaID -> *sync.Mutex
}

// NewRegistry creates a Registry. dim is the vector dimension declared for
// new collections; it must match the embedder's dimension.
func NewRegistry(store Store, idx index.Store, dim int, logger *logging.Logger) *Registry {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Registry{
		store:  store,
		index:  idx,
		dim:    dim,
		logger: logger.Named("persona"),
	}
}

// Create creates a persona and its backing collection.
func (r *Registry) Create(ctx context.Context, ownerID, name, description, modelID string) (*Persona, error) {
	name = strings.TrimSpace(name)
	if ownerID == "" {
		return nil, fmt.Errorf("%w: owner id required", ErrInvalidInput)
	}
	if name == "" || len(name) > maxNameLength {
		return nil, fmt.Errorf("%w: name must be 1-%d characters", ErrInvalidInput, maxNameLength)
	}
	if len(description) > maxDescriptionLength {
		return nil, fmt.Errorf("%w: description must be at most %d characters", ErrInvalidInput, maxDescriptionLength)
	}
	if modelID == "" {
		modelID = DefaultModelID
	} else if !validModelID(modelID) {
		return nil, fmt.Errorf("%w: unknown model %q", ErrInvalidInput, modelID)
	}

	personaID := uuid.NewString()
	collectionID := collectionName(ownerID, personaID)

	// The collection exists before the metadata row does, so a half-created
	// persona is visible as corpus-available rather than broken.
	if err := r.index.Create(ctx, collectionID, r.dim); err != nil {
		return nil, fmt.Errorf("creating collection: %w", err)
	}

	p := &Persona{
		ID:              personaID,
		OwnerID:         ownerID,
		Name:            name,
		Description:     description,
		ModelID:         modelID,
		CollectionID:    collectionID,
		CreatedAt:       time.Now().UTC(),
		CorpusAvailable: true,
	}
	if err := r.store.InsertPersona(ctx, p); err != nil {
		// Roll the collection back; losing an empty collection is harmless.
		if dropErr := r.index.Drop(ctx, collectionID); dropErr != nil {
			r.logger.Warn(ctx, "orphaned collection after failed persona insert",
				zap.String("collection", collectionID),
				zap.Error(dropErr),
			)
		}
		return nil, err
	}

	r.logger.Info(ctx, "persona created",
		zap.String("persona", personaID),
		zap.String("owner", ownerID),
	)
	return p, nil
}

// Get returns the persona, enforcing ownership.
func (r *Registry) Get(ctx context.Context, ownerID, personaID string) (*Persona, error) {
	p, err := r.store.GetPersona(ctx, personaID)
	if err != nil {
		return nil, err
	}
	if p.OwnerID != ownerID {
		return nil, ErrNotAuthorized
	}
	r.refreshAvailability(ctx, p)
	return p, nil
}

// List returns all personas owned by ownerID.
func (r *Registry) List(ctx context.Context, ownerID string) ([]*Persona, error) {
	personas, err := r.store.ListPersonas(ctx, ownerID)
	if err != nil {
		return nil, err
	}
	for _, p := range personas {
		r.refreshAvailability(ctx, p)
	}
	return personas, nil
}

// Update applies the patch. Only name, description, and model are updatable.
func (r *Registry) Update(ctx context.Context, ownerID, personaID string, patch Patch) (*Persona, error) {
	mu := r.lease(personaID)
	mu.Lock()
	defer mu.Unlock()

	p, err := r.Get(ctx, ownerID, personaID)
	if err != nil {
		return nil, err
	}

	if patch.Name != nil {
		name := strings.TrimSpace(*patch.Name)
		if name == "" || len(name) > maxNameLength {
			return nil, fmt.Errorf("%w: name must be 1-%d characters", ErrInvalidInput, maxNameLength)
		}
		p.Name = name
	}
	if patch.Description != nil {
		if len(*patch.Description) > maxDescriptionLength {
			return nil, fmt.Errorf("%w: description must be at most %d characters", ErrInvalidInput, maxDescriptionLength)
		}
		p.Description = *patch.Description
	}
	if patch.ModelID != nil {
		if !validModelID(*patch.ModelID) {
			return nil, fmt.Errorf("%w: unknown model %q", ErrInvalidInput, *patch.ModelID)
		}
		p.ModelID = *patch.ModelID
	}

	if err := r.store.UpdatePersona(ctx, p); err != nil {
		return nil, err
	}
	return p, nil
}

// Delete removes the persona. The collection is dropped before the metadata
// row so a failed drop leaves the persona visible instead of leaking the
// collection.
func (r *Registry) Delete(ctx context.Context, ownerID, personaID string) error {
	mu := r.lease(personaID)
	mu.Lock()
	defer mu.Unlock()

	p, err := r.Get(ctx, ownerID, personaID)
	if err != nil {
		return err
	}

	if err := r.index.Drop(ctx, p.CollectionID); err != nil && !errors.Is(err, index.ErrIndexMissing) {
		return fmt.Errorf("dropping collection: %w", err)
	}
	if err := r.store.DeletePersona(ctx, personaID); err != nil {
		return err
	}
	r.leases.Delete(personaID)

	r.logger.Info(ctx, "persona deleted",
		zap.String("persona", personaID),
		zap.String("owner", ownerID),
	)
	return nil
}

// ListDocuments returns the persona's documents, enforcing ownership.
func (r *Registry) ListDocuments(ctx context.Context, ownerID, personaID string) ([]*Document, error) {
	if _, err := r.Get(ctx, ownerID, personaID); err != nil {
		return nil, err
	}
	return r.store.ListDocuments(ctx, personaID)
}

// ListModels returns the model catalog.
func (r *Registry) ListModels() []Model {
	models := make([]Model, len(Models))
	copy(models, Models)
	return models
}

// Resolve maps (user, persona) to the persona's collection id, enforcing
// authorization. This is the identity contract consumed by retrieval.
func (r *Registry) Resolve(ctx context.Context, userID, personaID string) (string, error) {
	p, err := r.Get(ctx, userID, personaID)
	if err != nil {
		return "", err
	}
	return p.CollectionID, nil
}

// RecordIngestion bumps the persona's counters after a successful file
// ingestion. Runs under the per-persona lease.
func (r *Registry) RecordIngestion(ctx context.Context, personaID string, documents, chunks int) error {
	mu := r.lease(personaID)
	mu.Lock()
	defer mu.Unlock()

	p, err := r.store.GetPersona(ctx, personaID)
	if err != nil {
		return err
	}
	p.DocumentCount += documents
	p.ChunkCount += chunks
	p.CorpusAvailable = true
	return r.store.UpdatePersona(ctx, p)
}

// Store exposes the backing metadata store for collaborating services.
func (r *Registry) Store() Store {
	return r.store
}

func (r *Registry) lease(personaID string) *sync.Mutex {
	mu, _ := r.leases.LoadOrStore(personaID, &sync.Mutex{})
	return mu.(*sync.Mutex)
}

// refreshAvailability marks the persona unavailable when its collection is
// gone from the index.
func (r *Registry) refreshAvailability(ctx context.Context, p *Persona) {
	exists, err := r.index.Exists(ctx, p.CollectionID)
	if err != nil {
		r.logger.Warn(ctx, "collection existence check failed",
			zap.String("collection", p.CollectionID),
			zap.Error(err),
		)
		return
	}
	p.CorpusAvailable = exists
}

func validModelID(modelID string) bool {
	for _, m := range Models {
		if m.ID == modelID {
			return true
		}
	}
	return false
}

// collectionName derives the collection id bound 1:1 to a persona.
func collectionName(ownerID, personaID string) string {
	owner := ownerID
	if len(owner) > 8 {
		owner = owner[:8]
	}
	persona := personaID
	if len(persona) > 8 {
		persona = persona[:8]
	}
	return fmt.Sprintf("user_%s_persona_%s", owner, persona)
}
