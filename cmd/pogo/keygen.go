package main

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"

	"github.com/pkg/errors"
	"gopkg.in/urfave/cli.v2"
)

// runKeyGen prints a fresh base64-encoded Serf gossip encryption key,
// ported from the teacher's cmd/app/keygen.go unchanged.
func runKeyGen(_ *cli.Context) error {
	key := make([]byte, 32)
	n, err := rand.Read(key)
	if err != nil {
		return errors.Wrap(err, "cmd/pogo: read random data")
	}
	if n != 32 {
		return errors.New("cmd/pogo: couldn't read enough entropy")
	}

	fmt.Println(base64.StdEncoding.EncodeToString(key))
	return nil
}
