package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"sajilochat/config"
	"sajilochat/crypto"
	"sajilochat/directory"
	"sajilochat/discovery"
	"sajilochat/models"
	"sajilochat/session"
	"sajilochat/storage"
	"sajilochat/transport"
)

type app struct {
	cfg     *config.ClientConfig
	keys    *session.Manager
	dir     *directory.Client
	store   *storage.Store
	chat    *transport.ChatSession
	scanner *discovery.Scanner

	// mu guards contacts: the REPL goroutine and inbound callbacks both
	// touch it.
	mu       sync.Mutex
	contacts map[string]models.Contact
}

func main() {
	var (
		server   = flag.String("server", "", "chat server address (host:port)")
		dirURL   = flag.String("directory", "", "auth/key directory base URL")
		user     = flag.String("user", "", "username (overrides config)")
		password = flag.String("pass", "", "password (prompted if empty)")
		register = flag.Bool("register", false, "register a new account before logging in")
	)
	flag.Parse()

	cfg, cfgPath, err := config.LoadOrCreate()
	if err != nil {
		log.Fatalf("startup failed while loading config: %v", err)
	}
	if *server != "" {
		cfg.ServerAddress = *server
	}
	if *dirURL != "" {
		cfg.DirectoryURL = *dirURL
	}
	if *user != "" {
		cfg.Username = *user
	}
	if cfg.Username == "" {
		cfg.Username = promptLine("Username: ")
	}
	if cfg.Username == "" {
		log.Fatal("a username is required")
	}
	if err := config.Save(cfgPath, cfg); err != nil {
		log.Printf("persist config: %v", err)
	}

	dataDir := filepath.Dir(cfgPath)
	store, dbPath, err := storage.Open(dataDir)
	if err != nil {
		log.Fatalf("startup failed while opening database: %v", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			log.Printf("database close error: %v", err)
		}
	}()

	keys := session.NewManager(store)
	if err := keys.Initialize(cfg.Username); err != nil {
		log.Fatalf("startup failed while preparing identity keys: %v", err)
	}
	publicKey, err := keys.PublicIdentityKey()
	if err != nil {
		log.Fatalf("read identity public key: %v", err)
	}

	fmt.Printf("User:            %s\n", cfg.Username)
	fmt.Printf("Key Fingerprint: %s\n", crypto.KeyFingerprint(publicKey))
	fmt.Printf("Server:          %s\n", cfg.ServerAddress)
	fmt.Printf("Directory:       %s\n", cfg.DirectoryURL)
	fmt.Printf("Downloads:       %s\n", cfg.DownloadDir)
	fmt.Printf("Database File:   %s\n", dbPath)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	dir := directory.NewClient(cfg.DirectoryURL)
	pass := *password
	if pass == "" {
		pass = promptLine("Password: ")
	}
	if *register {
		if err := dir.Register(ctx, cfg.Username, pass); err != nil && !errors.Is(err, directory.ErrUserExists) {
			log.Fatalf("register: %v", err)
		}
	}
	token, err := dir.Login(ctx, cfg.Username, pass)
	if err != nil {
		log.Fatalf("login: %v", err)
	}
	if err := dir.PublishKey(ctx, cfg.Username, publicKey); err != nil {
		log.Printf("publish identity key: %v", err)
	}

	a := &app{
		cfg:      cfg,
		keys:     keys,
		dir:      dir,
		store:    store,
		contacts: make(map[string]models.Contact),
	}

	chat, err := transport.Dial(cfg.ServerAddress, keys, transport.SessionOptions{
		Username:        cfg.Username,
		AuthToken:       token,
		DownloadDir:     cfg.DownloadDir,
		ChunkSize:       cfg.ChunkSize,
		TransferTimeout: cfg.TransferTimeout(),
		Store:           store,
		Callbacks:       a.callbacks(),
	})
	if err != nil {
		log.Fatalf("connect to chat server: %v", err)
	}
	a.chat = chat
	defer chat.Close()

	scanner, err := discovery.NewScanner(discovery.Options{})
	if err != nil {
		log.Printf("discovery unavailable: %v", err)
	} else {
		a.scanner = scanner
	}

	fmt.Println("Connected. Type text to chat with everyone; /help for commands.")
	a.repl()
}

func (a *app) callbacks() transport.SessionCallbacks {
	return transport.SessionCallbacks{
		OnGroupMessage: func(from, message string, timestamp int64) {
			a.printMessage(models.ChatMessage{From: from, Content: message, Group: true, Timestamp: timestamp})
		},
		OnDirectMessage: func(from, message string, timestamp int64) {
			a.printMessage(models.ChatMessage{From: from, To: a.cfg.Username, Content: message, Encrypted: true, Timestamp: timestamp})
		},
		OnDecryptFailure: func(from string, err error) {
			fmt.Printf("\r[%s] <message could not be decrypted: %v>\n> ", from, err)
		},
		OnSystem: func(message string) {
			fmt.Printf("\r* %s\n> ", message)
		},
		OnUserList: func(users []string) {
			fmt.Printf("\rOnline: %s\n> ", strings.Join(users, ", "))
			go a.prefetchPeerKeys(users)
		},
		OnTransferProgress: func(p transport.TransferProgress) {
			fmt.Printf("\r%s %s: %3.0f%%", p.Direction, p.FileName, p.Fraction()*100)
		},
		OnTransferComplete: func(r transport.TransferResult) {
			fmt.Printf("\rtransfer complete (%s): %s\n> ", r.Direction, r.Path)
		},
		OnError: func(err error) {
			fmt.Printf("\rerror: %v\n> ", err)
		},
	}
}

func (a *app) printMessage(msg models.ChatMessage) {
	marker := ""
	if msg.Encrypted {
		marker = " [dm]"
	}
	fmt.Printf("\r[%s]%s %s\n> ", msg.From, marker, msg.Content)
}

func (a *app) repl() {
	in := bufio.NewReader(os.Stdin)
	for {
		fmt.Print("> ")
		line, err := in.ReadString('\n')
		if err != nil {
			if errors.Is(err, io.EOF) {
				fmt.Println()
				return
			}
			fmt.Println("read error:", err)
			continue
		}
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if strings.HasPrefix(line, "/") {
			if quit := a.handleCommand(line); quit {
				return
			}
			continue
		}
		if err := a.chat.SendGroupMessage(line); err != nil {
			fmt.Println("send failed:", err)
		}
	}
}

func (a *app) handleCommand(line string) bool {
	parts := strings.Fields(line)
	cmd := strings.ToLower(strings.TrimPrefix(parts[0], "/"))
	switch cmd {
	case "help":
		fmt.Println(`Commands:
  /dm <user> <text>    send an encrypted direct message
  /file <user> <path>  send a file
  /users               list online users
  /key <user>          show a user's key fingerprint
  /transfers [id]      list recent file transfers, or show one in detail
  /discover            list chat servers found on the LAN
  /quit                exit`)

	case "dm":
		if len(parts) < 3 {
			fmt.Println("usage: /dm <user> <text>")
			return false
		}
		peer := parts[1]
		text := strings.TrimSpace(strings.TrimPrefix(strings.TrimPrefix(line, parts[0]), " "+peer))
		if err := a.ensurePeerKey(peer); err != nil {
			fmt.Println("peer key:", err)
			return false
		}
		if err := a.chat.SendDirectMessage(peer, text); err != nil {
			fmt.Println("send failed:", err)
		}

	case "file":
		if len(parts) < 3 {
			fmt.Println("usage: /file <user> <path>")
			return false
		}
		go func(peer, path string) {
			if _, err := a.chat.SendFile(path, peer); err != nil {
				fmt.Printf("\rfile send failed: %v\n> ", err)
			}
		}(parts[1], strings.Join(parts[2:], " "))

	case "users":
		if err := a.chat.RequestUsers(); err != nil {
			fmt.Println("request failed:", err)
		}

	case "key":
		if len(parts) != 2 {
			fmt.Println("usage: /key <user>")
			return false
		}
		if err := a.ensurePeerKey(parts[1]); err != nil {
			fmt.Println("peer key:", err)
			return false
		}
		a.mu.Lock()
		contact := a.contacts[parts[1]]
		a.mu.Unlock()
		fmt.Printf("%s: %s\n", contact.Username, contact.KeyFingerprint)

	case "transfers":
		if a.store == nil {
			return false
		}
		if len(parts) == 2 {
			record, err := a.store.GetTransferByID(parts[1])
			if err != nil {
				fmt.Println("lookup transfer:", err)
				return false
			}
			fmt.Printf("%s %s %s\n  file:     %s (%d bytes)\n  peer:     %s -> %s\n  checksum: %s\n  path:     %s\n",
				record.FileID, record.Direction, record.TransferStatus,
				record.FileName, record.FileSize,
				record.Sender, record.Receiver, record.Checksum, record.StoredPath)
			return false
		}
		records, err := a.listTransfers()
		if err != nil {
			fmt.Println("list transfers:", err)
			return false
		}
		if len(records) == 0 {
			fmt.Println("(no transfers yet)")
		}
		for _, r := range records {
			fmt.Printf(" - %s %s %s %s (%d bytes)\n", r.FileID, r.Direction, r.FileName, r.TransferStatus, r.FileSize)
		}

	case "discover":
		if a.scanner == nil {
			fmt.Println("discovery is not available")
			return false
		}
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		servers, err := a.scanner.Scan(ctx)
		if err != nil {
			fmt.Println("scan failed:", err)
			return false
		}
		if len(servers) == 0 {
			fmt.Println("(no servers found)")
		}
		for _, s := range servers {
			fmt.Printf(" - %s at %s (directory %s)\n", s.Name, s.Address(), s.DirectoryURL)
		}

	case "quit", "exit":
		return true

	default:
		fmt.Println("unknown command; /help for help")
	}
	return false
}

// ensurePeerKey fetches and pins the peer's public key on first contact.
func (a *app) ensurePeerKey(peer string) error {
	a.mu.Lock()
	_, known := a.contacts[peer]
	a.mu.Unlock()
	if known {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	raw, err := a.dir.LookupKey(ctx, peer)
	if err != nil {
		return err
	}
	return a.rememberContact(peer, raw)
}

// prefetchPeerKeys pins keys for newly seen users in one batch lookup so
// the first /dm to any of them does not stall on the directory.
func (a *app) prefetchPeerKeys(users []string) {
	var missing []string
	a.mu.Lock()
	for _, user := range users {
		if user == a.cfg.Username {
			continue
		}
		if _, ok := a.contacts[user]; !ok {
			missing = append(missing, user)
		}
	}
	a.mu.Unlock()
	if len(missing) == 0 {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	found, err := a.dir.LookupKeys(ctx, missing)
	if err != nil {
		log.Printf("prefetch peer keys: %v", err)
		return
	}
	for user, raw := range found {
		if err := a.rememberContact(user, raw); err != nil {
			log.Printf("pin key for %q: %v", user, err)
		}
	}
}

func (a *app) rememberContact(peer string, raw []byte) error {
	if err := a.keys.StorePeerPublicKey(peer, raw); err != nil {
		return err
	}
	a.mu.Lock()
	a.contacts[peer] = models.Contact{
		Username:       peer,
		PublicKey:      crypto.EncodeKey(raw),
		KeyFingerprint: crypto.KeyFingerprint(raw),
		LastSeen:       time.Now().UnixMilli(),
	}
	a.mu.Unlock()
	return nil
}

func (a *app) listTransfers() ([]storage.TransferRecord, error) {
	if a.store == nil {
		return nil, errors.New("no store attached")
	}
	return a.store.ListTransfers(20)
}

func promptLine(prompt string) string {
	fmt.Print(prompt)
	reader := bufio.NewReader(os.Stdin)
	line, err := reader.ReadString('\n')
	if err != nil {
		return ""
	}
	return strings.TrimSpace(line)
}
