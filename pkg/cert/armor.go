package cert

import (
	"bytes"
	"io"

	"golang.org/x/crypto/openpgp"
	"golang.org/x/crypto/openpgp/armor"
)

// WriteArmored writes the ASCII armored form of the certificate to w.
func (c *Certificate) WriteArmored(w io.Writer) error {
	aw, err := armor.Encode(w, openpgp.PublicKeyType, nil)
	if err != nil {
		return err
	}
	if err := c.Serialize(aw); err != nil {
		aw.Close()
		return err
	}
	return aw.Close()
}

// Armor returns the ASCII armored form of the certificate.
func (c *Certificate) Armor() ([]byte, error) {
	buf := new(bytes.Buffer)
	if err := c.WriteArmored(buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
