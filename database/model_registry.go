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

package database

import (
	"sort"
	"sync"
)

// SQLModel is an entity bound to a connection. Instance returns a struct
// pointer understood by Bun; Priority orders table creation (lower first).
type SQLModel interface {
	Instance() interface{}
	Priority() int
}

// EntityRegistry stores the entities of one connection.
type EntityRegistry struct {
	models []SQLModel
	mutex  sync.RWMutex
}

func NewEntityRegistry() *EntityRegistry {
	return &EntityRegistry{models: make([]SQLModel, 0)}
}

func (r *EntityRegistry) Register(models ...SQLModel) {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	r.models = append(r.models, models...)
}

// Models returns the entities by ascending priority, registration order
// breaking ties.
func (r *EntityRegistry) Models() []SQLModel {
	r.mutex.RLock()
	defer r.mutex.RUnlock()

	result := make([]SQLModel, len(r.models))
	copy(result, r.models)
	sort.SliceStable(result, func(i, j int) bool {
		return result[i].Priority() < result[j].Priority()
	})
	return result
}

func (r *EntityRegistry) Instances() []interface{} {
	models := r.Models()
	instances := make([]interface{}, len(models))
	for i, model := range models {
		instances[i] = model.Instance()
	}
	return instances
}

func (r *EntityRegistry) Len() int {
	r.mutex.RLock()
	defer r.mutex.RUnlock()
	return len(r.models)
}

type ModelAdapter struct {
	instance interface{}
	priority int
}

// NewModelAdapter wraps a struct pointer and priority into an SQLModel.
func NewModelAdapter(instance interface{}, priority int) SQLModel {
	return &ModelAdapter{
		instance: instance,
		priority: priority,
	}
}

func (a *ModelAdapter) Instance() interface{} {
	return a.instance
}

func (a *ModelAdapter) Priority() int {
	return a.priority
}

// AsModels wraps plain struct pointers, keeping their order as priority.
// Values that already implement SQLModel are kept as-is.
func AsModels(instances ...interface{}) []SQLModel {
	models := make([]SQLModel, 0, len(instances))
	for i, inst := range instances {
		if m, ok := inst.(SQLModel); ok {
			models = append(models, m)
			continue
		}
		models = append(models, NewModelAdapter(inst, i))
	}
	return models
}
