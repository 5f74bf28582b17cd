package hkpserver

import (
	"fmt"
	"net/http"

	"github.com/ctrliq/vks/pkg/store"
)

const keysContentType = "application/pgp-keys"

// writeArmoredKey writes the armored ASCII format of the lookup
// result to w.
func writeArmoredKey(w http.ResponseWriter, r *store.Result) error {
	w.Header().Set("Content-Type", keysContentType)
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", r.Fingerprint.String()+".asc"))
	_, err := w.Write(r.Armored)
	return err
}
