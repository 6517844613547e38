package sqlite

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	mrand "math/rand/v2"
	"os"
	"path/filepath"
	"strings"
)

var domainWords = []string{
	"amber", "apple", "arrow", "aspen", "atlas", "autumn", "badger", "bamboo",
	"beacon", "birch", "bison", "blossom", "breeze", "brook", "cactus", "canyon",
	"cedar", "cherry", "cinder", "clover", "cobalt", "comet", "coral", "cosmic",
	"cotton", "coyote", "crane", "crystal", "cypress", "dawn", "delta", "desert",
	"dolphin", "dragon", "dune", "eagle", "echo", "ember", "falcon", "fern",
	"fjord", "forest", "fox", "frost", "galaxy", "garnet", "glacier", "granite",
	"grove", "harbor", "hazel", "heron", "honey", "horizon", "indigo", "iris",
	"island", "ivory", "jade", "jasper", "juniper", "kestrel", "koala", "lagoon",
	"lantern", "lark", "lemon", "lilac", "lotus", "lunar", "maple", "marble",
	"meadow", "mesa", "meteor", "mint", "misty", "moss", "nebula", "nectar",
	"nova", "oak", "ocean", "olive", "onyx", "orbit", "orchid", "otter",
	"panda", "pebble", "pepper", "pine", "planet", "plum", "polar", "prairie",
	"quartz", "quiet", "rain", "raven", "reef", "river", "robin", "ruby",
	"saffron", "sage", "sand", "shadow", "sierra", "silver", "sky", "slate",
	"spruce", "star", "stone", "storm", "summit", "sunny", "swift", "thunder",
	"tide", "tiger", "topaz", "tundra", "valley", "velvet", "willow", "zephyr",
}

func randomDomainName() string {
	pick := func() string { return domainWords[mrand.IntN(len(domainWords))] }
	return pick() + "-" + pick() + "-" + pick()
}

func newID(prefix string) (string, error) {
	b := make([]byte, 12)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("crypto/rand: %w", err)
	}
	return prefix + "_" + hex.EncodeToString(b), nil
}

func isUniqueViolation(err error, column string) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "unique constraint failed") && strings.Contains(msg, strings.ToLower(column))
}

func ensureParentDir(path string) error {
	path = strings.TrimSpace(path)
	if path == "" || path == ":memory:" || strings.HasPrefix(path, "file:") {
		return nil
	}
	dir := filepath.Dir(path)
	if dir == "." || dir == "" {
		return nil
	}
	return os.MkdirAll(dir, 0o755)
}
