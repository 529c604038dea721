package sortition

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/gnosisguild/enclave/pkg/store"
)

func sortitionKey(chainID uint64) string {
	return fmt.Sprintf("%s%d", store.PrefixSortition, chainID)
}

func encodeSortitionEntry(addrs []string) []byte {
	data, _ := json.Marshal(addrs)
	return data
}

func decodeSortitionEntry(key string, value []byte) (uint64, []string, error) {
	idStr := strings.TrimPrefix(key, store.PrefixSortition)
	chainID, err := strconv.ParseUint(idStr, 10, 64)
	if err != nil {
		return 0, nil, fmt.Errorf("sortition: bad key %q: %w", key, err)
	}
	var addrs []string
	if err := json.Unmarshal(value, &addrs); err != nil {
		return 0, nil, fmt.Errorf("sortition: decode %q: %w", key, err)
	}
	return chainID, addrs, nil
}
