// Package naming derives short, stable display names for robots from their
// hardware address so that students can tell several identical boards apart.
package naming

import (
	"encoding/binary"
	"strings"

	"golang.org/x/crypto/blake2b"
)

var adjectives = []string{
	"Brave", "Calm", "Clever", "Cosmic", "Daring", "Eager", "Fuzzy", "Gentle",
	"Happy", "Jolly", "Lucky", "Mighty", "Nimble", "Proud", "Quick", "Shiny",
	"Silly", "Sleepy", "Sunny", "Swift", "Tiny", "Witty", "Zany", "Zippy",
}

var nouns = []string{
	"Badger", "Beetle", "Comet", "Falcon", "Ferret", "Gecko", "Heron", "Koala",
	"Lemur", "Lynx", "Marmot", "Newt", "Otter", "Owl", "Panda", "Puffin",
	"Robin", "Salmon", "Sparrow", "Tiger", "Walrus", "Wombat", "Yak", "Zebra",
}

// Generate returns a two-word name for address. The same address (ignoring
// case and separators) always yields the same name; different addresses may
// collide.
func Generate(address string) string {
	sum := blake2b.Sum256([]byte(normalize(address)))
	adj := binary.BigEndian.Uint32(sum[0:4]) % uint32(len(adjectives))
	noun := binary.BigEndian.Uint32(sum[4:8]) % uint32(len(nouns))
	return adjectives[adj] + " " + nouns[noun]
}

// normalize strips separators and upper-cases an address so "aa:bb" and
// "AA-BB" name the same robot.
func normalize(address string) string {
	r := strings.NewReplacer(":", "", "-", "", " ", "")
	return strings.ToUpper(r.Replace(address))
}
