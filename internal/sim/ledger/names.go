package ledger

import "hash/fnv"

var nameAdjectives = []string{
	"Amber", "Bold", "Brisk", "Calm", "Clever", "Crimson", "Daring", "Dusty",
	"Eager", "Fleet", "Gilded", "Hazel", "Iron", "Jolly", "Keen", "Lively",
	"Mellow", "Nimble", "Opal", "Patient", "Quiet", "Rustic", "Swift", "Vivid",
}

var nameAnimals = []string{
	"Badger", "Bison", "Crane", "Falcon", "Ferret", "Fox", "Heron", "Ibex",
	"Jackal", "Kestrel", "Lynx", "Marten", "Marmot", "Otter", "Owl", "Pika",
	"Raven", "Stoat", "Swift", "Tern", "Vole", "Walrus", "Weasel", "Wren",
}

// DisplayNameFor derives a stable human-readable name from an agent id. The
// same id always maps to the same name, so re-initializing a wiped ledger
// reproduces it.
func DisplayNameFor(agentID string) string {
	h := fnv.New64a()
	_, _ = h.Write([]byte(agentID))
	sum := h.Sum64()
	adj := nameAdjectives[sum%uint64(len(nameAdjectives))]
	animal := nameAnimals[(sum/uint64(len(nameAdjectives)))%uint64(len(nameAnimals))]
	return adj + " " + animal
}
