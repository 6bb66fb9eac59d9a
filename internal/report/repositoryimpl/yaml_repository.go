package repositoryimpl

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/kazz187/reviewcrew/internal/report"
	"github.com/kazz187/reviewcrew/pkg/cerr"
	"github.com/kazz187/reviewcrew/pkg/storage"
)

const reviewsPrefix = "reviews"

type YAMLRepository struct {
	storage storage.Storage
}

func NewYAMLRepository(s storage.Storage) *YAMLRepository {
	return &YAMLRepository{storage: s}
}

func path(id string) string {
	return fmt.Sprintf("%s/%s.yaml", reviewsPrefix, id)
}

func validID(id string) bool {
	return id != "" && !strings.ContainsAny(id, `/\.`)
}

func (r *YAMLRepository) Create(ctx context.Context, rec *report.Record) error {
	if !validID(rec.ID) {
		return cerr.NewError(cerr.InvalidArgument, "invalid review id", nil)
	}
	exists, err := r.storage.Exists(ctx, path(rec.ID))
	if err != nil {
		return cerr.WrapStorageWriteError("review", err)
	}
	if exists {
		return cerr.NewError(cerr.AlreadyExists, "review already exists", nil)
	}
	return r.write(ctx, rec)
}

func (r *YAMLRepository) Get(ctx context.Context, id string) (*report.Record, error) {
	if !validID(id) {
		return nil, cerr.NewError(cerr.NotFound, "review not found", nil)
	}
	data, err := r.storage.Read(ctx, path(id))
	if err != nil {
		return nil, cerr.WrapStorageReadError("review", err)
	}
	var rec report.Record
	if err := yaml.Unmarshal(data, &rec); err != nil {
		return nil, cerr.NewError(cerr.Internal, "server error", fmt.Errorf("failed to unmarshal review: %w", err))
	}
	return &rec, nil
}

// List relies on ULID ids sorting by creation time.
func (r *YAMLRepository) List(ctx context.Context, limit, offset int) ([]*report.Record, int, error) {
	paths, err := r.storage.List(ctx, reviewsPrefix)
	if err != nil {
		return nil, 0, cerr.WrapStorageReadError("reviews", err)
	}

	sort.Sort(sort.Reverse(sort.StringSlice(paths)))

	var all []*report.Record
	for _, p := range paths {
		if !strings.HasSuffix(p, ".yaml") {
			continue
		}
		data, err := r.storage.Read(ctx, p)
		if err != nil {
			continue
		}
		var rec report.Record
		if err := yaml.Unmarshal(data, &rec); err != nil {
			continue
		}
		all = append(all, &rec)
	}

	total := len(all)
	if offset >= total {
		return nil, total, nil
	}
	all = all[offset:]
	if limit > 0 && len(all) > limit {
		all = all[:limit]
	}
	return all, total, nil
}

func (r *YAMLRepository) Update(ctx context.Context, rec *report.Record) error {
	if !validID(rec.ID) {
		return cerr.NewError(cerr.NotFound, "review not found", nil)
	}
	exists, err := r.storage.Exists(ctx, path(rec.ID))
	if err != nil {
		return cerr.WrapStorageWriteError("review", err)
	}
	if !exists {
		return cerr.NewError(cerr.NotFound, "review not found", nil)
	}
	return r.write(ctx, rec)
}

func (r *YAMLRepository) Delete(ctx context.Context, id string) error {
	if !validID(id) {
		return cerr.NewError(cerr.NotFound, "review not found", nil)
	}
	if err := r.storage.Delete(ctx, path(id)); err != nil {
		return cerr.WrapStorageDeleteError("review", err)
	}
	return nil
}

func (r *YAMLRepository) write(ctx context.Context, rec *report.Record) error {
	data, err := yaml.Marshal(rec)
	if err != nil {
		return cerr.NewError(cerr.Internal, "server error", fmt.Errorf("failed to marshal review: %w", err))
	}
	if err := r.storage.Write(ctx, path(rec.ID), data); err != nil {
		return cerr.WrapStorageWriteError("review", err)
	}
	return nil
}
