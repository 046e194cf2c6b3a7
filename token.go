package tabsync

import (
	"crypto/md5"
	"encoding/hex"
)

// TokenMD5 signs the store handshake: secret + origin + client + timestamp.
func TokenMD5(secret, origin, client, timestamp string) string {
	h := md5.New()
	h.Write([]byte(secret + origin + client + timestamp))
	return hex.EncodeToString(h.Sum(nil))
}

func CheckTokenMD5(secret, origin, client, timestamp, pk string) bool {
	return TokenMD5(secret, origin, client, timestamp) == pk
}
