// Command seafloor-keytool creates and inspects the claim signer key.
package main

import (
	"bufio"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/Klingon-tech/seafloor/config"
	"github.com/Klingon-tech/seafloor/internal/keystore"
	"github.com/Klingon-tech/seafloor/pkg/crypto"
	"github.com/Klingon-tech/seafloor/pkg/types"
	"golang.org/x/term"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	// Parse global flags that appear before the subcommand.
	dataDir := config.DefaultDataDir()
	network := string(config.Mainnet)
	keyFile := ""

	args := os.Args[1:]
	for len(args) > 0 {
		switch {
		case args[0] == "--datadir" && len(args) > 1:
			dataDir = args[1]
			args = args[2:]
		case strings.HasPrefix(args[0], "--datadir="):
			dataDir = args[0][len("--datadir="):]
			args = args[1:]
		case args[0] == "--network" && len(args) > 1:
			network = args[1]
			args = args[2:]
		case strings.HasPrefix(args[0], "--network="):
			network = args[0][len("--network="):]
			args = args[1:]
		case args[0] == "--key" && len(args) > 1:
			keyFile = args[1]
			args = args[2:]
		case strings.HasPrefix(args[0], "--key="):
			keyFile = args[0][len("--key="):]
			args = args[1:]
		default:
			goto dispatch
		}
	}

dispatch:
	if len(args) == 0 {
		usage()
		os.Exit(1)
	}
	if keyFile == "" {
		cfg := config.Default(config.NetworkType(network))
		cfg.DataDir = dataDir
		keyFile = cfg.SignerKeyFile()
	}

	cmd, cmdArgs := args[0], args[1:]
	switch cmd {
	case "create":
		cmdCreate(cmdArgs, keyFile)
	case "import":
		cmdImport(cmdArgs, keyFile)
	case "import-key":
		cmdImportKey(keyFile)
	case "address":
		cmdAddress(keyFile)
	case "verify":
		cmdVerify(keyFile)
	case "help", "--help", "-h":
		usage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", cmd)
		usage()
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintf(os.Stderr, `Usage: seafloor-keytool [global flags] <command> [flags]

Global flags:
  --datadir <path>    Data directory (default: ~/.seafloor)
  --network <net>     mainnet (default) or testnet
  --key <file>        Key file (default: <datadir>/<network>/keystore/signer.json)

Commands:
  create [--index n]              Generate a mnemonic and save the signer
  import --mnemonic "..." [--index n]
                                  Save a signer derived from a mnemonic
  import-key                      Save a raw hex private key (read from stdin)
  address                         Print the signer address
  verify                          Decrypt the key file and check the password
`)
}

func cmdCreate(args []string, keyFile string) {
	fs := flag.NewFlagSet("create", flag.ExitOnError)
	index := fs.Uint("index", 0, "Derivation index (m/44'/60'/0'/0/<index>)")
	fs.Parse(args)

	mnemonic, err := keystore.GenerateMnemonic()
	if err != nil {
		fatal("generate mnemonic: %v", err)
	}
	fmt.Println("Mnemonic (write this down!):")
	fmt.Printf("  %s\n\n", mnemonic)

	saveMnemonic(keyFile, mnemonic, uint32(*index))
}

func cmdImport(args []string, keyFile string) {
	fs := flag.NewFlagSet("import", flag.ExitOnError)
	mnemonic := fs.String("mnemonic", "", "BIP-39 mnemonic")
	index := fs.Uint("index", 0, "Derivation index (m/44'/60'/0'/0/<index>)")
	fs.Parse(args)

	if *mnemonic == "" {
		fatal("Usage: seafloor-keytool import --mnemonic \"word1 word2 ...\"")
	}
	if !keystore.ValidateMnemonic(*mnemonic) {
		fatal("invalid mnemonic")
	}
	saveMnemonic(keyFile, *mnemonic, uint32(*index))
}

func saveMnemonic(keyFile, mnemonic string, index uint32) {
	password := newPassword()
	addr, err := keystore.SaveMnemonic(keyFile, mnemonic, 0, index, password, keystore.DefaultParams())
	if err != nil {
		fatal("save signer: %v", err)
	}
	printSaved(keyFile, addr)
}

func cmdImportKey(keyFile string) {
	fmt.Fprint(os.Stderr, "Private key (hex): ")
	line, err := bufio.NewReader(os.Stdin).ReadString('\n')
	if err != nil && line == "" {
		fatal("read key: %v", err)
	}
	key, err := crypto.PrivateKeyFromHex(strings.TrimSpace(line))
	if err != nil {
		fatal("parse key: %v", err)
	}
	defer key.Zero()

	password := newPassword()
	addr, err := keystore.SaveKey(keyFile, key, password, keystore.DefaultParams())
	if err != nil {
		fatal("save signer: %v", err)
	}
	printSaved(keyFile, addr)
}

func cmdAddress(keyFile string) {
	addr, err := keystore.ReadAddress(keyFile)
	if err != nil {
		fatal("%v", err)
	}
	fmt.Println(addr.Checksum())
}

func cmdVerify(keyFile string) {
	password, err := readPassword("Password: ")
	if err != nil {
		fatal("read password: %v", err)
	}
	key, err := keystore.Load(keyFile, password)
	if err != nil {
		fatal("%v", err)
	}
	defer key.Zero()
	fmt.Printf("OK: %s\n", key.Address().Checksum())
}

func printSaved(keyFile string, addr types.Address) {
	abs, _ := filepath.Abs(keyFile)
	fmt.Printf("Signer saved to %s\n", abs)
	fmt.Printf("Address: %s\n", addr.Checksum())
	fmt.Println("Register this address as the claim signer in the settlement contract.")
}

// newPassword prompts twice and requires a match.
func newPassword() []byte {
	password, err := readPassword("Enter password: ")
	if err != nil {
		fatal("read password: %v", err)
	}
	confirm, err := readPassword("Confirm password: ")
	if err != nil {
		fatal("read password: %v", err)
	}
	if string(password) != string(confirm) {
		fatal("passwords do not match")
	}
	if len(password) == 0 {
		fatal("password must not be empty")
	}
	return password
}

func readPassword(prompt string) ([]byte, error) {
	fmt.Fprint(os.Stderr, prompt)
	password, err := term.ReadPassword(int(syscall.Stdin))
	fmt.Fprintln(os.Stderr) // newline after hidden input
	if err != nil {
		return nil, err
	}
	return password, nil
}

func fatal(format string, args ...interface{}) {
	fmt.Fprintf(os.Stderr, "Error: "+format+"\n", args...)
	os.Exit(1)
}
