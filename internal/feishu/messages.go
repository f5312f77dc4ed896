package feishu

// Message types accepted by the custom bot webhook.
const (
	MsgTypeText        = "text"
	MsgTypePost        = "post"
	MsgTypeInteractive = "interactive"
)

// Message is the webhook request body.
type Message struct {
	MsgType   string `json:"msg_type"`
	Content   any    `json:"content,omitempty"`
	Card      *Card  `json:"card,omitempty"`
	Timestamp string `json:"timestamp,omitempty"`
	Sign      string `json:"sign,omitempty"`
}

// TextContent is the content block of a plain text message.
type TextContent struct {
	Text string `json:"text"`
}

// PostContent wraps localized rich text.
type PostContent struct {
	Post map[string]PostBody `json:"post"`
}

// PostBody is one localized rich text document. Each inner slice is a paragraph.
type PostBody struct {
	Title   string          `json:"title"`
	Content [][]PostElement `json:"content"`
}

// PostElement is a single inline rich text node.
type PostElement struct {
	Tag  string `json:"tag"`
	Text string `json:"text,omitempty"`
	Href string `json:"href,omitempty"`
}

// Card is an interactive message card.
type Card struct {
	Config   CardConfig    `json:"config"`
	Header   CardHeader    `json:"header"`
	Elements []CardElement `json:"elements"`
}

// CardConfig controls card rendering.
type CardConfig struct {
	WideScreenMode bool `json:"wide_screen_mode"`
}

// CardHeader is the colored title bar of a card.
type CardHeader struct {
	Title    CardText `json:"title"`
	Template string   `json:"template,omitempty"`
}

// CardText is a text node inside a card.
type CardText struct {
	Tag     string `json:"tag"`
	Content string `json:"content"`
}

// CardElement is a block inside the card body.
type CardElement struct {
	Tag      string     `json:"tag"`
	Content  string     `json:"content,omitempty"`
	Elements []CardText `json:"elements,omitempty"`
}

// Text builds a plain text message.
func Text(text string) Message {
	return Message{MsgType: MsgTypeText, Content: TextContent{Text: text}}
}

// Post builds a rich text message with one paragraph per line.
func Post(title string, lines []string) Message {
	paragraphs := make([][]PostElement, 0, len(lines))
	for _, line := range lines {
		paragraphs = append(paragraphs, []PostElement{{Tag: "text", Text: line}})
	}
	return Message{
		MsgType: MsgTypePost,
		Content: PostContent{Post: map[string]PostBody{
			"zh_cn": {Title: title, Content: paragraphs},
		}},
	}
}

// CardMessage builds an interactive card with a markdown body and an optional footnote.
func CardMessage(title, template, markdown, note string) Message {
	if template == "" {
		template = "blue"
	}
	elements := []CardElement{{Tag: "markdown", Content: markdown}}
	if note != "" {
		elements = append(elements, CardElement{
			Tag:      "note",
			Elements: []CardText{{Tag: "plain_text", Content: note}},
		})
	}
	return Message{
		MsgType: MsgTypeInteractive,
		Card: &Card{
			Config:   CardConfig{WideScreenMode: true},
			Header:   CardHeader{Title: CardText{Tag: "plain_text", Content: title}, Template: template},
			Elements: elements,
		},
	}
}
