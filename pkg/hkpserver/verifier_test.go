package hkpserver

import (
	"errors"
	"net/http"

	"github.com/ctrliq/vks/pkg/store"
)

type brokenVerifier struct{}

func (brokenVerifier) Init(*store.Store, *http.ServeMux) error {
	return nil
}

func (brokenVerifier) Verify(*store.UploadResult, *http.Request) Status {
	return nil
}

type conflictVerifier struct{}

func (conflictVerifier) Init(*store.Store, *http.ServeMux) error {
	return nil
}

func (conflictVerifier) Verify(*store.UploadResult, *http.Request) Status {
	return NewConflictStatus()
}

type okVerifier struct{}

func (okVerifier) Init(*store.Store, *http.ServeMux) error {
	return nil
}

func (okVerifier) Verify(res *store.UploadResult, _ *http.Request) Status {
	return NewOKStatus(res.Fingerprint.String())
}

type failingVerifier struct{}

func (failingVerifier) Init(*store.Store, *http.ServeMux) error {
	return errors.New("no mail server")
}

func (failingVerifier) Verify(*store.UploadResult, *http.Request) Status {
	return nil
}
