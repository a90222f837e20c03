/*
 * Copyright 2025 tomoncle.
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package repository

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/feature"
)

var (
	ErrNoUpsertFields     = errors.New("upsert fields cannot be empty")
	ErrUpsertNotSupported = errors.New("dialect supports neither ON CONFLICT nor ON DUPLICATE KEY")
)

// Repository runs CRUD queries for the model T. T must be a Bun model whose
// primary key column is "id".
type Repository[T any] struct {
	db bun.IDB
}

// New binds a repository to a *bun.DB, a bun.Tx or a bun.Conn.
func New[T any](db bun.IDB) *Repository[T] {
	return &Repository[T]{db: db}
}

// WithTx returns a repository running its queries inside tx.
func (r *Repository[T]) WithTx(tx bun.Tx) *Repository[T] {
	return &Repository[T]{db: tx}
}

func (r *Repository[T]) DB() bun.IDB { return r.db }

func (r *Repository[T]) NewSelect() *bun.SelectQuery { return r.db.NewSelect().Model((*T)(nil)) }

func (r *Repository[T]) Get(ctx context.Context, id any) (*T, error) {
	entity := new(T)
	if err := r.db.NewSelect().Model(entity).Where("id = ?", id).Scan(ctx); err != nil {
		return nil, err
	}
	return entity, nil
}

func (r *Repository[T]) All(ctx context.Context) ([]*T, error) {
	return r.Find(ctx, nil)
}

// Find returns the rows matching filter; a nil filter matches every row.
func (r *Repository[T]) Find(ctx context.Context, filter *Filter) ([]*T, error) {
	entities := make([]*T, 0)
	query := r.db.NewSelect().Model(&entities)
	if filter != nil {
		query = query.Where(filter.Where, filter.Args...)
	}
	if err := query.Scan(ctx); err != nil {
		return nil, err
	}
	return entities, nil
}

func (r *Repository[T]) Count(ctx context.Context, filter *Filter) (int, error) {
	query := r.db.NewSelect().Model((*T)(nil))
	if filter != nil {
		query = query.Where(filter.Where, filter.Args...)
	}
	return query.Count(ctx)
}

func (r *Repository[T]) Page(ctx context.Context, req PageRequest) (*Page[T], error) {
	req = req.normalized()
	page := &Page[T]{Page: req.Page, PageSize: req.PageSize, Items: make([]*T, 0)}

	total, err := r.Count(ctx, req.Filter)
	if err != nil || total == 0 {
		return page, err
	}

	query := r.db.NewSelect().Model(&page.Items)
	if req.Filter != nil {
		query = query.Where(req.Filter.Where, req.Filter.Args...)
	}
	if len(req.Orders) > 0 {
		query = query.Order(req.Orders...)
	}
	if err := query.Offset(req.Offset()).Limit(req.PageSize).Scan(ctx); err != nil {
		return nil, err
	}
	page.Total = total
	return page, nil
}

func (r *Repository[T]) Create(ctx context.Context, entities ...*T) error {
	if len(entities) == 0 {
		return nil
	}
	_, err := r.db.NewInsert().Model(&entities).Exec(ctx)
	return err
}

func (r *Repository[T]) Update(ctx context.Context, entity *T) error {
	_, err := r.db.NewUpdate().Model(entity).WherePK().Exec(ctx)
	return err
}

func (r *Repository[T]) Delete(ctx context.Context, id any) error {
	_, err := r.db.NewDelete().Model((*T)(nil)).Where("id = ?", id).Exec(ctx)
	return err
}

// Upsert inserts entities and, on a key conflict, overwrites fields with the
// new values. conflictKeys name the unique columns for ON CONFLICT dialects
// and default to "id"; MySQL resolves conflicts on any unique key.
func (r *Repository[T]) Upsert(ctx context.Context, fields, conflictKeys []string, entities ...*T) error {
	if len(fields) == 0 {
		return ErrNoUpsertFields
	}
	if len(entities) == 0 {
		return nil
	}

	features := r.db.Dialect().Features()
	query := r.db.NewInsert().Model(&entities)
	switch {
	case features.Has(feature.InsertOnConflict):
		if len(conflictKeys) == 0 {
			conflictKeys = []string{"id"}
		}
		set := make([]string, 0, len(fields))
		for _, field := range fields {
			set = append(set, fmt.Sprintf("%s = EXCLUDED.%s", field, field))
		}
		query = query.On("CONFLICT (" + strings.Join(conflictKeys, ", ") + ") DO UPDATE").Set(strings.Join(set, ", "))
	case features.Has(feature.InsertOnDuplicateKey):
		set := make([]string, 0, len(fields))
		for _, field := range fields {
			set = append(set, fmt.Sprintf("%s = VALUES(%s)", field, field))
		}
		query = query.On("DUPLICATE KEY UPDATE " + strings.Join(set, ", "))
	default:
		return fmt.Errorf("%w: %s", ErrUpsertNotSupported, r.db.Dialect().Name())
	}

	_, err := query.Exec(ctx)
	return err
}
