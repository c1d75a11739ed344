package kb

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// Document 当前激活的知识库文档
type Document struct {
	Text     string `json:"text"`
	Filename string `json:"filename"`
}

// Client 知识库服务客户端
// 仅在会话启动时读取一次，失败降级为空上下文而不是致命错误
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// NewClient 创建知识库客户端
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: 5 * time.Second,
		},
	}
}

// ActiveDocument 获取当前文档的全文和文件名
func (c *Client) ActiveDocument(ctx context.Context) (Document, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/pdf-text", nil)
	if err != nil {
		return Document{}, fmt.Errorf("build pdf-text request failed: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return Document{}, fmt.Errorf("fetch pdf-text failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return Document{}, fmt.Errorf("pdf-text returned status %d", resp.StatusCode)
	}

	var doc Document
	if err := json.NewDecoder(resp.Body).Decode(&doc); err != nil {
		return Document{}, fmt.Errorf("decode pdf-text response failed: %w", err)
	}

	return doc, nil
}

// ComposeInstructions 把知识库文本拼进agent指令
// 文档为空时原样返回基础指令
func ComposeInstructions(base string, doc Document) string {
	if doc.Text == "" {
		return base
	}

	var b strings.Builder
	b.WriteString(base)
	b.WriteString("\n\nKNOWLEDGE BASE:\n")
	b.WriteString(doc.Text)
	b.WriteString("\n\nIMPORTANT: You have access to the complete knowledge base above. Use this information to answer questions about items, prices, and availability. Always reference it when customers ask about available options.")
	return b.String()
}

// BusinessName 从文档文件名推导企业名称（去掉.pdf后缀，下划线转空格）
func BusinessName(filename string) string {
	if filename == "" {
		return ""
	}

	name := strings.TrimSuffix(filename, ".pdf")
	return strings.ReplaceAll(name, "_", " ")
}
