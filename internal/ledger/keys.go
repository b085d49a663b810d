package ledger

import (
	"encoding/binary"

	"github.com/Klingon-tech/seafloor/pkg/types"
)

// Key layout:
//
//	le/<id(8)>                      -> identity(20) || height(8)
//	li/<identity(20)><height(8)>    -> Event JSON
//	lh/<identity(20)>               -> Head JSON
//	lc/<identity(20)>               -> Cache JSON
var (
	prefixEventID = []byte("le/")
	prefixIndex   = []byte("li/")
	prefixHead    = []byte("lh/")
	prefixCache   = []byte("lc/")
)

func eventIDKey(id uint64) []byte {
	key := make([]byte, len(prefixEventID)+8)
	copy(key, prefixEventID)
	binary.BigEndian.PutUint64(key[len(prefixEventID):], id)
	return key
}

func identityPrefix(identity types.Address) []byte {
	key := make([]byte, len(prefixIndex)+types.AddressSize)
	copy(key, prefixIndex)
	copy(key[len(prefixIndex):], identity[:])
	return key
}

func indexKey(identity types.Address, height uint64) []byte {
	key := make([]byte, len(prefixIndex)+types.AddressSize+8)
	copy(key, identityPrefix(identity))
	binary.BigEndian.PutUint64(key[len(prefixIndex)+types.AddressSize:], height)
	return key
}

func addrKey(prefix []byte, identity types.Address) []byte {
	key := make([]byte, len(prefix)+types.AddressSize)
	copy(key, prefix)
	copy(key[len(prefix):], identity[:])
	return key
}

func headKey(identity types.Address) []byte  { return addrKey(prefixHead, identity) }
func cacheKey(identity types.Address) []byte { return addrKey(prefixCache, identity) }

func eventRef(identity types.Address, height uint64) []byte {
	ref := make([]byte, types.AddressSize+8)
	copy(ref, identity[:])
	binary.BigEndian.PutUint64(ref[types.AddressSize:], height)
	return ref
}
