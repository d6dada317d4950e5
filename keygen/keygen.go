// Command keygen generates and validates the secret keys of relay.conf: the "uid_key" used
// to obfuscate connection handles and the "encryption_key" of message history at rest.
package main

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"flag"
	"fmt"
	"os"

	"github.com/directim/relay/server/store"
	"github.com/directim/relay/server/store/types"
)

// Config key and key length in bytes for each kind of key.
var keyKinds = map[string]struct {
	field string
	size  int
}{
	"uid":    {"uid_key", 16},
	"aes128": {"encryption_key", 16},
	"aes192": {"encryption_key", 24},
	"aes256": {"encryption_key", 32},
}

func main() {
	kind := flag.String("kind", "aes256", "Kind of key to generate: uid, aes128, aes192, aes256")
	key := flag.String("validate", "", "Base64-encoded key to validate as -kind")
	flag.Parse()

	if *key != "" {
		os.Exit(validate(*kind, *key))
	}
	os.Exit(generate(*kind))
}

// generate prints a random key of the given kind as a relay.conf fragment.
func generate(kind string) int {
	k, ok := keyKinds[kind]
	if !ok {
		fmt.Fprintln(os.Stderr, "Unknown key kind:", kind)
		return 1
	}

	data := make([]byte, k.size)
	if _, err := rand.Read(data); err != nil {
		fmt.Fprintln(os.Stderr, "Failed to generate key:", err)
		return 1
	}

	// []byte is encoded as standard base64, same as store_config expects it.
	out, _ := json.Marshal(map[string][]byte{k.field: data})
	fmt.Println(string(out))
	return 0
}

// validate checks that the key can be used as the given kind.
func validate(kind, key string) int {
	k, ok := keyKinds[kind]
	if !ok {
		fmt.Fprintln(os.Stderr, "Unknown key kind:", kind)
		return 1
	}

	data, err := base64.StdEncoding.DecodeString(key)
	if err != nil {
		fmt.Println("INVALID: failed to decode base64:", err)
		return 1
	}
	if len(data) != k.size {
		fmt.Printf("INVALID: expected %d bytes, got %d\n", k.size, len(data))
		return 1
	}

	if k.field == "uid_key" {
		var gen types.UidGenerator
		err = gen.Init(1, data)
	} else {
		_, err = store.NewMessageEncryptionService(data)
	}
	if err != nil {
		fmt.Println("INVALID:", err)
		return 1
	}

	fmt.Printf("Valid %s key for \"%s\"\n", kind, k.field)
	return 0
}
