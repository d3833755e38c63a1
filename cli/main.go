// Package main provides a command line client for the comment room.
package main

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/spf13/cobra"

	"github.com/xiaot623/gogo/comments/internal/auth"
	"github.com/xiaot623/gogo/comments/internal/domain"
	"github.com/xiaot623/gogo/comments/internal/protocol"
)

// Flag variables.
var (
	addr    string
	token   string
	secret  string
	issuer  string
	userID  int64
	timeout time.Duration
	rawJSON bool

	page      int
	pageSize  int
	sortBy    string
	sortOrder string

	replyID  int64
	homePage string
	imageArg string
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:          "comments-cli",
	Short:        "Talk to the comment room over WebSocket.",
	SilenceUsage: true,
}

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Print every page the server pushes until interrupted.",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := dial()
		if err != nil {
			return err
		}
		defer client.Close()

		interrupt := make(chan os.Signal, 1)
		signal.Notify(interrupt, os.Interrupt)
		frames := make(chan []byte)
		errs := make(chan error, 1)
		go func() {
			for {
				_, data, err := client.ReadMessage()
				if err != nil {
					errs <- err
					return
				}
				frames <- data
			}
		}()

		for {
			select {
			case <-interrupt:
				return nil
			case err := <-errs:
				if websocket.IsCloseError(err, websocket.CloseNormalClosure) {
					return nil
				}
				return err
			case data := <-frames:
				printFrame(data)
			}
		}
	},
}

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "Request one page of comments.",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := dial()
		if err != nil {
			return err
		}
		defer client.Close()

		// The server pushes the default page on connect.
		if _, err := readFrame(client); err != nil {
			return err
		}

		err = client.WriteJSON(map[string]interface{}{
			"action":     protocol.ActionListComments,
			"page":       page,
			"page_size":  pageSize,
			"sort_by":    sortBy,
			"sort_order": sortOrder,
		})
		if err != nil {
			return fmt.Errorf("send: %w", err)
		}

		data, err := readFrame(client)
		if err != nil {
			return err
		}
		printFrame(data)
		return nil
	},
}

var postCmd = &cobra.Command{
	Use:   "post TEXT",
	Short: "Post a comment or, with --reply-id, a reply.",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		msg := map[string]interface{}{
			"action": protocol.ActionCreateComment,
			"text":   strings.Join(args, " "),
		}
		if replyID > 0 {
			msg["reply_id"] = replyID
		}
		if homePage != "" {
			msg["home_page"] = homePage
		}
		if imageArg != "" {
			uri, err := imageDataURI(imageArg)
			if err != nil {
				return err
			}
			msg["image"] = uri
		}

		client, err := dial()
		if err != nil {
			return err
		}
		defer client.Close()

		if _, err := readFrame(client); err != nil {
			return err
		}
		if err := client.WriteJSON(msg); err != nil {
			return fmt.Errorf("send: %w", err)
		}

		// Either an error frame or the room refresh caused by our own write.
		data, err := readFrame(client)
		if err != nil {
			return err
		}
		var e protocol.ErrorMessage
		if json.Unmarshal(data, &e) == nil && e.Action == protocol.ActionError {
			return errors.New(e.Error)
		}
		fmt.Println("posted")
		printFrame(data)
		return nil
	},
}

// init is the initialization function for Cobra which defines flags.
func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVarP(&addr, "addr", "a", "ws://localhost:8090/ws/comments", "WebSocket endpoint.")
	pf.StringVarP(&token, "token", "t", os.Getenv("COMMENTS_TOKEN"), "Bearer token. Defaults to $COMMENTS_TOKEN.")
	pf.StringVar(&secret, "secret", "", "Mint a token locally with this signing secret instead of --token.")
	pf.StringVar(&issuer, "issuer", "comments", "Issuer used when minting a token.")
	pf.Int64VarP(&userID, "user", "u", 0, "User id used when minting a token.")
	pf.DurationVar(&timeout, "timeout", 10*time.Second, "How long to wait for a server frame.")
	pf.BoolVar(&rawJSON, "json", false, "Print frames as indented JSON.")

	listCmd.Flags().IntVarP(&page, "page", "p", domain.DefaultPage, "Page number.")
	listCmd.Flags().IntVarP(&pageSize, "page-size", "s", domain.DefaultPageSize, "Top-level comments per page.")
	listCmd.Flags().StringVar(&sortBy, "sort-by", string(domain.SortByDate), "username, email or date.")
	listCmd.Flags().StringVar(&sortOrder, "sort-order", string(domain.SortDesc), "asc or desc.")

	postCmd.Flags().Int64VarP(&replyID, "reply-id", "r", 0, "Comment to reply to.")
	postCmd.Flags().StringVar(&homePage, "home-page", "", "Author home page URL.")
	postCmd.Flags().StringVar(&imageArg, "image", "", "Path to a JPEG, PNG or GIF to attach.")

	rootCmd.AddCommand(watchCmd, listCmd, postCmd)
}

func dial() (*websocket.Conn, error) {
	tok := token
	if secret != "" {
		if userID <= 0 {
			return nil, errors.New("--user is required with --secret")
		}
		var err error
		tok, err = auth.New(secret, issuer, time.Hour, nil).IssueToken(domain.User{ID: userID})
		if err != nil {
			return nil, err
		}
	}
	if tok == "" {
		return nil, errors.New("no token: pass --token, set COMMENTS_TOKEN or use --secret/--user")
	}

	header := http.Header{}
	header.Set("Authorization", "Bearer "+tok)
	conn, resp, err := websocket.DefaultDialer.Dial(addr, header)
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusForbidden {
			return nil, errors.New("server refused the connection: not authenticated")
		}
		return nil, fmt.Errorf("dial: %w", err)
	}
	return conn, nil
}

func readFrame(conn *websocket.Conn) ([]byte, error) {
	if err := conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
		return nil, err
	}
	_, data, err := conn.ReadMessage()
	if err != nil {
		return nil, fmt.Errorf("read: %w", err)
	}
	return data, nil
}

func imageDataURI(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	return "data:" + http.DetectContentType(data) + ";base64," + base64.StdEncoding.EncodeToString(data), nil
}

func printFrame(data []byte) {
	var base protocol.BaseMessage
	_ = json.Unmarshal(data, &base)

	if rawJSON || base.Action != protocol.ActionListComments {
		var pretty map[string]interface{}
		if err := json.Unmarshal(data, &pretty); err != nil {
			fmt.Println(string(data))
			return
		}
		formatted, _ := json.MarshalIndent(pretty, "", "  ")
		fmt.Printf("[%s]\n%s\n", base.Action, formatted)
		return
	}

	var page domain.Page
	if err := json.Unmarshal(data, &page); err != nil {
		fmt.Println(string(data))
		return
	}
	fmt.Printf("page %d of %d\n", page.CurrentPage, page.CountPages)
	for _, c := range page.Comments {
		printNode(c, 0)
	}
}

func printNode(n *domain.CommentNode, depth int) {
	indent := strings.Repeat("  ", depth)
	fmt.Printf("%s#%d %s <%s> %s\n", indent, n.ID, n.Username, n.Email, n.CreatedAt.Local().Format(time.DateTime))
	for _, line := range strings.Split(n.Text, "\n") {
		fmt.Printf("%s  %s\n", indent, line)
	}
	if n.Image != nil {
		fmt.Printf("%s  [image %s]\n", indent, *n.Image)
	}
	for _, r := range n.Replies {
		printNode(r, depth+1)
	}
}
