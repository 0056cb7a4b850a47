package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/google/uuid"

	"docsync/backend/internal/crdt"
	"docsync/backend/internal/offline"
	"docsync/backend/internal/session"
	"docsync/backend/internal/ws"
)

// 终端同步客户端：连上中继后从标准输入读编辑命令。
//
//	i <pos> <text>   在 pos 处插入
//	d <pos> <len>    从 pos 起删除 len 个字符
//	t <title>        改标题
//	p                打印当前内容
//	q                退出
func main() {
	serverURL := flag.String("server", "ws://localhost:8090/sync/ws", "relay websocket url")
	docID := flag.String("doc", "demo-doc", "document id")
	userID := flag.String("user", "", "user id (default: random uuid)")
	username := flag.String("name", "anonymous", "display name")
	bufferPath := flag.String("buffer", "", "offline buffer path (default: <tmp>/docsync-offline.db)")
	flag.Parse()

	if *userID == "" {
		*userID = uuid.NewString()
	}
	if *bufferPath == "" {
		*bufferPath = filepath.Join(os.TempDir(), "docsync-offline-"+*userID+".db")
	}

	buf, err := offline.Open(*bufferPath)
	if err != nil {
		log.Fatalf("open offline buffer failed: %v", err)
	}
	defer buf.Close()

	// 本地操作日志：site 就用 userID，保证操作 ID 全局唯一
	var mu sync.Mutex
	doc := crdt.NewLog(*userID)
	base := ""

	render := func() string {
		return doc.Render(base)
	}

	client := session.NewClient(session.Options{
		ServerURL: *serverURL,
		DocID:     *docID,
		UserID:    *userID,
		Username:  *username,
		Buffer:    buf,
		OnMessage: func(msg ws.Message) {
			mu.Lock()
			defer mu.Unlock()
			switch m := msg.(type) {
			case ws.InitMessage:
				base = m.Content
				doc = crdt.NewLog(*userID)
				fmt.Printf("\n[init] %q (title=%q)\n> ", m.Content, m.Title)
			case ws.ContentChangeMessage:
				// last-writer-wins：远端整文覆盖成为新基线，本地日志重新起算
				base = m.Content
				doc = crdt.NewLog(*userID)
				fmt.Printf("\n[%s] content -> %q\n> ", m.User.ID, m.Content)
			case ws.ContentResponseMessage:
				base = m.Content
				doc = crdt.NewLog(*userID)
				fmt.Printf("\n[server] content -> %q\n> ", m.Content)
			case ws.TitleChangeMessage:
				fmt.Printf("\n[%s] title -> %q\n> ", m.User.ID, m.Title)
			case ws.JoinMessage:
				fmt.Printf("\n[join] %s (%d online)\n> ", m.User.ID, len(m.ActiveUsers))
			case ws.LeaveMessage:
				fmt.Printf("\n[leave] %s (%d online)\n> ", m.User.ID, len(m.ActiveUsers))
			case ws.ErrorMessage:
				fmt.Printf("\n[error] %s\n> ", m.Message)
			}
		},
		OnStateChange: func(s session.State) {
			log.Printf("session state: %s", s)
		},
		OnConnectionLost: func(err error) {
			log.Printf("session over: %v", err)
		},
	})

	if err := client.Connect(context.Background()); err != nil {
		// 首连失败也继续：编辑会进离线缓冲，等中继可用后重连补发
		log.Printf("initial connect failed (changes will be buffered): %v", err)
	}
	defer client.Close()

	sendContent := func() {
		mu.Lock()
		content := render()
		mu.Unlock()
		err := client.Send(ws.ContentChangeMessage{
			Type:       ws.TypeContentChange,
			Content:    content,
			DocumentID: *docID,
			User:       ws.User{ID: *userID, Name: *username},
		})
		if err != nil {
			log.Printf("send failed: %v", err)
		}
	}

	sc := bufio.NewScanner(os.Stdin)
	fmt.Print("> ")
	for sc.Scan() {
		fields := strings.SplitN(strings.TrimSpace(sc.Text()), " ", 3)
		switch fields[0] {
		case "i":
			if len(fields) < 3 {
				fmt.Println("usage: i <pos> <text>")
				break
			}
			pos, err := strconv.Atoi(fields[1])
			if err != nil {
				fmt.Println("bad position:", fields[1])
				break
			}
			mu.Lock()
			doc.Insert(pos, fields[2])
			mu.Unlock()
			sendContent()
		case "d":
			if len(fields) < 3 {
				fmt.Println("usage: d <pos> <len>")
				break
			}
			pos, err1 := strconv.Atoi(fields[1])
			length, err2 := strconv.Atoi(fields[2])
			if err1 != nil || err2 != nil {
				fmt.Println("bad arguments")
				break
			}
			mu.Lock()
			doc.Delete(pos, length)
			mu.Unlock()
			sendContent()
		case "t":
			if len(fields) < 2 {
				fmt.Println("usage: t <title>")
				break
			}
			title := strings.TrimSpace(strings.TrimPrefix(sc.Text(), "t "))
			if err := client.Send(ws.TitleChangeMessage{
				Type:       ws.TypeTitleChange,
				Title:      title,
				DocumentID: *docID,
				User:       ws.User{ID: *userID, Name: *username},
			}); err != nil {
				log.Printf("send failed: %v", err)
			}
		case "p":
			mu.Lock()
			fmt.Printf("%q\n", render())
			mu.Unlock()
		case "q":
			return
		case "":
		default:
			fmt.Println("commands: i <pos> <text> | d <pos> <len> | t <title> | p | q")
		}
		fmt.Print("> ")
	}
}
