package stores

import (
	"fmt"
	"testing"
)

func TestGetStore_DefaultsToMemory(t *testing.T) {
	t.Setenv("STORAGE_TYPE", "")

	store := GetStore()
	if got := fmt.Sprintf("%T", store); got != "*memory.memStore" {
		t.Errorf("GetStore() = %s, want *memory.memStore", got)
	}
}
