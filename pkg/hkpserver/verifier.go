// Copyright (c) 2020-2021, Ctrl IQ, Inc. All rights reserved
// SPDX-License-Identifier: BSD-3-Clause

package hkpserver

import (
	"net/http"

	"github.com/ctrliq/vks/pkg/store"
)

// Verifier is the identity verifier interface allowing HKP
// to publish the identities of uploaded keys based on custom
// criteria. Init may register additional routes on the server
// mux, Verify is called after every successful upload and
// returns the status written back to the client.
type Verifier interface {
	Init(*store.Store, *http.ServeMux) error
	Verify(*store.UploadResult, *http.Request) Status
}
