/*******************************************************************************
* Copyright (C) 2025 the OpenFoundry Authors
*
* Permission is hereby granted, free of charge, to any person obtaining
* a copy of this software and associated documentation files (the
* "Software"), to deal in the Software without restriction, including
* without limitation the rights to use, copy, modify, merge, publish,
* distribute, sublicense, and/or sell copies of the Software, and to
* permit persons to whom the Software is furnished to do so, subject to
* the following conditions:
*
* The above copyright notice and this permission notice shall be
* included in all copies or substantial portions of the Software.
*
* THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND,
* EXPRESS OR IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF
* MERCHANTABILITY, FITNESS FOR A PARTICULAR PURPOSE AND
* NONINFRINGEMENT. IN NO EVENT SHALL THE AUTHORS OR COPYRIGHT HOLDERS BE
* LIABLE FOR ANY CLAIM, DAMAGES OR OTHER LIABILITY, WHETHER IN AN ACTION
* OF CONTRACT, TORT OR OTHERWISE, ARISING FROM, OUT OF OR IN CONNECTION
* WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN THE SOFTWARE.
*
* SPDX-License-Identifier: MIT
******************************************************************************/

package dao

import (
	"fmt"

	"github.com/openfoundry/query-gateway-go/internal/common"
)

type deleteHandler struct {
	sqlHandler
}

func newDeleteHandler(h sqlHandler) *deleteHandler {
	return &deleteHandler{sqlHandler: h}
}

// plan assembles the DELETE. Selection criteria are required so an
// unfiltered delete cannot happen; the permission row filter conjoins so a
// caller can only delete rows their rule reaches.
func (h *deleteHandler) plan() (*statement, error) {
	if len(h.op.QueryParams) == 0 {
		return nil, common.NewErrBadRequest("delete requires selection criteria")
	}

	where, err := h.whereClause("")
	if err != nil {
		return nil, err
	}

	return &statement{
		sql:  fmt.Sprintf("DELETE FROM %s%s", h.table(), where),
		args: h.args,
	}, nil
}
