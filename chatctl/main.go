package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/docopt/docopt-go"
	"github.com/joho/godotenv"
	"golang.org/x/term"

	"bringyour.com/chat"
)

const ChatCtlVersion = "0.0.1"

var Out *log.Logger
var Err *log.Logger

func init() {
	Out = log.New(os.Stdout, "", 0)
	Err = log.New(os.Stderr, "", log.Ldate|log.Ltime|log.Lshortfile)
}

func main() {
	usage := `Chat control.

The default url is:
    chat_url: wss://chat.bringyour.com

The jwt may also be set with the CHAT_JWT environment variable
(a .env file in the working directory is loaded).

Usage:
    chatctl tail [--chat_url=<chat_url>] [--jwt=<jwt>] --channel=<channel>
    chatctl send [--chat_url=<chat_url>] [--jwt=<jwt>] --channel=<channel>
        [--file=<path>] [<message>]
    chatctl search [--chat_url=<chat_url>] [--jwt=<jwt>] --channel=<channel>
        <keyword>
    chatctl status [--chat_url=<chat_url>] [--jwt=<jwt>] <username>
    chatctl set-status [--chat_url=<chat_url>] [--jwt=<jwt>]
        [--emoji=<emoji>] [<status>]
    chatctl create-channel [--chat_url=<chat_url>] [--jwt=<jwt>] <name>
        [<description>]

Options:
    -h --help              Show this screen.
    --version              Show version.
    --chat_url=<chat_url>
    --jwt=<jwt>            Your platform JWT.
    --channel=<channel>    Channel id.
    --file=<path>          Attach this file to the message.
    --emoji=<emoji>        Status emoji.`

	opts, err := docopt.ParseArgs(usage, os.Args[1:], ChatCtlVersion)
	if err != nil {
		panic(err)
	}

	if tail_, _ := opts.Bool("tail"); tail_ {
		tail(opts)
	} else if send_, _ := opts.Bool("send"); send_ {
		send(opts)
	} else if search_, _ := opts.Bool("search"); search_ {
		search(opts)
	} else if status_, _ := opts.Bool("status"); status_ {
		status(opts)
	} else if setStatus_, _ := opts.Bool("set-status"); setStatus_ {
		setStatus(opts)
	} else if createChannel_, _ := opts.Bool("create-channel"); createChannel_ {
		createChannel(opts)
	}
}

func chatUrl(opts docopt.Opts) string {
	if chatUrl_, err := opts.String("--chat_url"); err == nil && chatUrl_ != "" {
		return chatUrl_
	}
	godotenv.Load()
	if chatUrl_ := os.Getenv("CHAT_URL"); chatUrl_ != "" {
		return chatUrl_
	}
	return "wss://chat.bringyour.com"
}

func jwt(opts docopt.Opts) string {
	if jwt_, err := opts.String("--jwt"); err == nil && jwt_ != "" {
		return jwt_
	}
	godotenv.Load()
	if jwt_ := os.Getenv("CHAT_JWT"); jwt_ != "" {
		return jwt_
	}
	fmt.Print("jwt: ")
	jwtBytes, err := term.ReadPassword(int(os.Stdin.Fd()))
	fmt.Println()
	if err != nil {
		Err.Fatalf("Could not read jwt (%s).", err)
	}
	return strings.TrimSpace(string(jwtBytes))
}

func newClient(opts docopt.Opts) (*chat.Client, context.CancelFunc) {
	cancelCtx, cancel := context.WithCancel(context.Background())

	auth := &chat.ClientAuth{
		ByJwt:      jwt(opts),
		InstanceId: chat.NewId(),
		AppVersion: fmt.Sprintf("chatctl %s", ChatCtlVersion),
	}
	client := chat.NewClientWithDefaults(cancelCtx, chatUrl(opts), auth)
	return client, cancel
}

// print messages for a channel until interrupted
func tail(opts docopt.Opts) {
	channelId, _ := opts.String("--channel")

	client, cancel := newClient(opts)
	defer cancel()
	defer client.Close()

	client.AddDeltaCallback(func(delta chat.Delta) {
		switch delta.Kind {
		case chat.DeltaMessageAppend:
			m := delta.Message
			Out.Printf("[%s] %s: %s", m.Timestamp.Format(time.TimeOnly), m.User, m.Content)
			if m.Attachment != nil {
				Out.Printf("    (attachment %s)", m.Attachment.Name)
			}
		case chat.DeltaThreadReplyAppend:
			m := delta.Message
			Out.Printf("[%s]   ↳ %s: %s", m.Timestamp.Format(time.TimeOnly), m.User, m.Content)
		case chat.DeltaSessionUpdate:
			Out.Printf("(%s)", delta.Session.ConnectionState)
		}
	})
	client.AddNoticeCallback(func(notice chat.Notice) {
		Out.Printf("(%s) %s", notice.Kind, notice.Message)
	})

	client.JoinChannel(channelId)

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
}

// send one message, wait for the server echo, then exit
func send(opts docopt.Opts) {
	channelId, _ := opts.String("--channel")
	messageContent, _ := opts.String("<message>")
	filePath, _ := opts.String("--file")

	if messageContent == "" && filePath == "" {
		Err.Fatalf("Nothing to send.")
	}

	client, cancel := newClient(opts)
	defer cancel()
	defer client.Close()

	confirmed := make(chan struct{}, 1)
	client.AddDeltaCallback(func(delta chat.Delta) {
		// the server echo of our own content is the confirmation. a rollback
		// also removes the provisional copy, so removal alone proves nothing.
		if delta.Kind == chat.DeltaMessageAppend &&
			!delta.Message.Provisional &&
			delta.Message.Content == messageContent {
			select {
			case confirmed <- struct{}{}:
			default:
			}
		}
	})
	failed := make(chan chat.Notice, 1)
	client.AddNoticeCallback(func(notice chat.Notice) {
		if notice.Kind == chat.NoticeActionFailed {
			select {
			case failed <- notice:
			default:
			}
		}
	})

	client.JoinChannel(channelId)
	if filePath != "" {
		data, err := os.ReadFile(filePath)
		if err != nil {
			Err.Fatalf("Could not read file (%s).", err)
		}
		client.SendFileMessage(messageContent, filePath, data)
	} else {
		client.SendMessage(messageContent)
	}

	select {
	case <-confirmed:
		Out.Printf("Message confirmed.")
	case notice := <-failed:
		Err.Fatalf("Message failed (%s).", notice.Message)
	case <-time.After(30 * time.Second):
		Err.Fatalf("Message not confirmed (timeout).")
	}
}

func search(opts docopt.Opts) {
	channelId, _ := opts.String("--channel")
	keyword, _ := opts.String("<keyword>")

	client, cancel := newClient(opts)
	defer cancel()
	defer client.Close()

	results := make(chan chat.Notice, 1)
	client.AddNoticeCallback(func(notice chat.Notice) {
		if notice.Kind == chat.NoticeSearchResults {
			select {
			case results <- notice:
			default:
			}
		}
	})

	client.JoinChannel(channelId)
	client.SearchMessages(keyword)

	select {
	case notice := <-results:
		Out.Printf("%v", notice.Payload)
	case <-time.After(30 * time.Second):
		Err.Fatalf("No search results (timeout).")
	}
}

func status(opts docopt.Opts) {
	username, _ := opts.String("<username>")

	client, cancel := newClient(opts)
	defer cancel()
	defer client.Close()

	results := make(chan chat.Notice, 1)
	client.AddNoticeCallback(func(notice chat.Notice) {
		if notice.Kind == chat.NoticeUserStatus {
			select {
			case results <- notice:
			default:
			}
		}
	})

	client.GetUserStatus(username)

	select {
	case notice := <-results:
		Out.Printf("%v", notice.Payload)
	case <-time.After(30 * time.Second):
		Err.Fatalf("No status (timeout).")
	}
}

func setStatus(opts docopt.Opts) {
	statusText, _ := opts.String("<status>")
	emoji, _ := opts.String("--emoji")

	client, cancel := newClient(opts)
	defer cancel()
	defer client.Close()

	client.UpdateCustomStatus(statusText, emoji)
	// no confirmation event exists for this action
	time.Sleep(2 * time.Second)
	Out.Printf("Status updated.")
}

func createChannel(opts docopt.Opts) {
	name, _ := opts.String("<name>")
	description, _ := opts.String("<description>")

	client, cancel := newClient(opts)
	defer cancel()
	defer client.Close()

	created := make(chan *chat.Channel, 1)
	client.AddDeltaCallback(func(delta chat.Delta) {
		if delta.Kind == chat.DeltaChannelUpsert && delta.Channel.Name == name {
			select {
			case created <- delta.Channel:
			default:
			}
		}
	})

	client.CreateChannel(name, description)

	select {
	case channel := <-created:
		Out.Printf("Created channel %s (%s).", channel.Name, channel.Id)
	case <-time.After(30 * time.Second):
		Err.Fatalf("Channel not confirmed (timeout).")
	}
}
