package execution

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
)

func NewExecutionID() string {
	b := make([]byte, 12)
	if _, err := rand.Read(b); err != nil {
		return "exec-unknown"
	}
	return fmt.Sprintf("exe_%s", hex.EncodeToString(b))
}
