package store

import "github.com/google/uuid"

func newAccountID() string {
	return uuid.NewString()
}
