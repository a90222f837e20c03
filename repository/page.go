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

const DefaultPageSize = 10

// Filter is a WHERE clause and its arguments.
type Filter struct {
	Where string
	Args  []interface{}
}

func NewFilter(where string, args ...interface{}) *Filter {
	return &Filter{Where: where, Args: args}
}

// PageRequest selects one page; Page starts at 1. Orders look like
// "id ASC" or "name DESC".
type PageRequest struct {
	Page     int
	PageSize int
	Filter   *Filter
	Orders   []string
}

func (p PageRequest) normalized() PageRequest {
	if p.Page < 1 {
		p.Page = 1
	}
	if p.PageSize < 1 {
		p.PageSize = DefaultPageSize
	}
	return p
}

func (p PageRequest) Offset() int {
	n := p.normalized()
	return (n.Page - 1) * n.PageSize
}

// Page is one page of results along with the total row count.
type Page[T any] struct {
	Page     int  `json:"page"`
	PageSize int  `json:"page_size"`
	Total    int  `json:"total"`
	Items    []*T `json:"items"`
}
