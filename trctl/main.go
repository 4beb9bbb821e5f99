package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/docopt/docopt-go"
	"github.com/joho/godotenv"
	"github.com/tidwall/gjson"
	"golang.org/x/term"

	traderepublic "github.com/Nils-Fischer/trade-republic-sdk"
)

const TrCtlVersion = "0.1.0"

var Out *log.Logger
var Err *log.Logger

func init() {
	Out = log.New(os.Stdout, "", 0)
	Err = log.New(os.Stderr, "", log.Ldate|log.Ltime|log.Lshortfile)
}

func main() {
	usage := `Trade Republic control.

Credentials can come from flags, the environment (TR_PHONE, TR_PIN), or a
.env file in the working directory. Session cookies are kept under
~/.trctl/cookies between invocations.

Usage:
    trctl login [--phone=<phone>] [--lang=<lang>]
    trctl account [--lang=<lang>]
    trctl trending [--lang=<lang>]
    trctl documents [--lang=<lang>]
    trctl taxes [--lang=<lang>]
    trctl payment-methods [--lang=<lang>]
    trctl subscribe <topic_json> [--count=<count>] [--lang=<lang>]
    trctl logout

Options:
    -h --help            Show this screen.
    --version            Show version.
    --phone=<phone>      Phone number in international format.
    --lang=<lang>        Accept-Language / stream locale [default: en].
    --count=<count>      Stop after this many updates [default: 0].`

	opts, _ := docopt.ParseArgs(usage, os.Args[1:], TrCtlVersion)

	godotenv.Load()

	if login, _ := opts.Bool("login"); login {
		login_(opts)
	} else if account, _ := opts.Bool("account"); account {
		get(opts, "account", func(ctx context.Context, client *traderepublic.Client) (json.RawMessage, error) {
			return client.Account(ctx)
		})
	} else if trending, _ := opts.Bool("trending"); trending {
		trending_(opts)
	} else if documents, _ := opts.Bool("documents"); documents {
		get(opts, "documents", func(ctx context.Context, client *traderepublic.Client) (json.RawMessage, error) {
			return client.Documents(ctx)
		})
	} else if taxes, _ := opts.Bool("taxes"); taxes {
		get(opts, "taxes", func(ctx context.Context, client *traderepublic.Client) (json.RawMessage, error) {
			return client.TaxInformation(ctx)
		})
	} else if paymentMethods, _ := opts.Bool("payment-methods"); paymentMethods {
		get(opts, "payment-methods", func(ctx context.Context, client *traderepublic.Client) (json.RawMessage, error) {
			return client.PaymentMethods(ctx)
		})
	} else if subscribe, _ := opts.Bool("subscribe"); subscribe {
		subscribe_(opts)
	} else if logout, _ := opts.Bool("logout"); logout {
		logout_(opts)
	}
}

func newClient(opts docopt.Opts) *traderepublic.Client {
	lang, _ := opts.String("--lang")
	return traderepublic.NewClient(lang)
}

func cookiePath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		Err.Fatalf("no home directory: %s", err)
	}
	return filepath.Join(home, ".trctl", "cookies")
}

func loadCookies() []string {
	data, err := os.ReadFile(cookiePath())
	if err != nil {
		return nil
	}
	cookies := []string{}
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line != "" {
			cookies = append(cookies, line)
		}
	}
	return cookies
}

func saveCookies(cookies []string) {
	path := cookiePath()
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		Err.Fatalf("could not create %s: %s", filepath.Dir(path), err)
	}
	data := strings.Join(cookies, "\n") + "\n"
	if err := os.WriteFile(path, []byte(data), 0600); err != nil {
		Err.Fatalf("could not write cookies: %s", err)
	}
}

func authenticatedClient(opts docopt.Opts) *traderepublic.Client {
	client := newClient(opts)
	cookies := loadCookies()
	if len(cookies) == 0 {
		Err.Fatalf("no saved session. Run `trctl login` first.")
	}
	if err := client.LoginWithCookies(cookies); err != nil {
		Err.Fatalf("login error: %s", err)
	}
	if !client.IsAuthenticated() {
		Err.Fatalf("saved session expired. Run `trctl login` again.")
	}
	return client
}

func promptSecret(prompt string) string {
	fmt.Fprintf(os.Stderr, "%s: ", prompt)
	secret, err := term.ReadPassword(int(syscall.Stdin))
	fmt.Fprintln(os.Stderr)
	if err != nil {
		Err.Fatalf("could not read input: %s", err)
	}
	return strings.TrimSpace(string(secret))
}

func login_(opts docopt.Opts) {
	ctx := context.Background()
	client := newClient(opts)

	phone, _ := opts.String("--phone")
	if phone == "" {
		phone = os.Getenv("TR_PHONE")
	}
	if phone == "" {
		Err.Fatalf("no phone number. Pass --phone or set TR_PHONE.")
	}
	pin := os.Getenv("TR_PIN")
	if pin == "" {
		pin = promptSecret("PIN")
	}

	process, err := client.InitiateLogin(ctx, phone, pin)
	if err != nil {
		Err.Fatalf("login error: %s", err)
	}
	Out.Printf("OTP sent via %s (valid %ds)", process.TwoFactor, process.CountdownInSeconds)

	otp := promptSecret("OTP")
	if err := client.CompleteLogin(ctx, otp); err != nil {
		Err.Fatalf("otp error: %s", err)
	}

	saveCookies(client.SessionCookies())
	Out.Printf("logged in")
}

func logout_(opts docopt.Opts) {
	client := newClient(opts)
	cookies := loadCookies()
	if 0 < len(cookies) {
		client.LoginWithCookies(cookies)
		if err := client.Logout(context.Background()); err != nil {
			Err.Printf("logout error: %s", err)
		}
	}
	os.Remove(cookiePath())
	Out.Printf("logged out")
}

func get(opts docopt.Opts, name string, call func(ctx context.Context, client *traderepublic.Client) (json.RawMessage, error)) {
	client := authenticatedClient(opts)
	raw, err := call(context.Background(), client)
	if err != nil {
		Err.Fatalf("%s error: %s", name, err)
	}
	Out.Printf("%s", gjson.GetBytes(raw, "@pretty").Raw)
}

func trending_(opts docopt.Opts) {
	client := authenticatedClient(opts)
	raw, err := client.TrendingStocks(context.Background())
	if err != nil {
		Err.Fatalf("trending error: %s", err)
	}
	results := gjson.GetBytes(raw, "results")
	if !results.Exists() {
		Out.Printf("%s", gjson.GetBytes(raw, "@pretty").Raw)
		return
	}
	results.ForEach(func(_ gjson.Result, value gjson.Result) bool {
		Out.Printf("%-14s %s", value.Get("isin").String(), value.Get("name").String())
		return true
	})
}

func subscribe_(opts docopt.Opts) {
	client := authenticatedClient(opts)

	topicJson, _ := opts.String("<topic_json>")
	if !gjson.Valid(topicJson) {
		Err.Fatalf("topic must be a json object, e.g. '{\"type\":\"ticker\",\"id\":\"US0378331005.LSX\"}'")
	}
	count, _ := opts.Int("--count")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	stream := client.Stream()
	updates := make(chan traderepublic.SubscriptionMessage)
	stream.AddCloseCallback(func(err error) {
		cancel()
	})

	if err := stream.Connect(ctx); err != nil {
		Err.Fatalf("connect error: %s", err)
	}
	defer stream.Disconnect()

	id, err := stream.Subscribe(json.RawMessage(topicJson), func(message traderepublic.SubscriptionMessage) {
		select {
		case updates <- message:
		case <-ctx.Done():
		}
	})
	if err != nil {
		Err.Fatalf("subscribe error: %s", err)
	}
	Out.Printf("subscribed id %s", id)

	interrupt := make(chan os.Signal, 1)
	signal.Notify(interrupt, syscall.SIGINT, syscall.SIGTERM)

	received := 0
	for {
		select {
		case message := <-updates:
			if message.Kind == traderepublic.FrameKindClose {
				Out.Printf("closed by server")
				return
			}
			Out.Printf("%s", gjson.GetBytes(message.Payload, "@pretty").Raw)
			received += 1
			if 0 < count && count <= received {
				stream.Unsubscribe(id, json.RawMessage(topicJson))
				return
			}
		case <-interrupt:
			return
		case <-ctx.Done():
			return
		}
	}
}
