package template

import (
	"fmt"
	"strings"
	texttemplate "text/template"

	"github.com/umbrix-io/umbrix/pkg/types"
)

// Context is the data made available to user-authored templates. Keys
// are exposed lowercase so template authors write {{.content}},
// {{.notification.Name}}, {{.user.UserEmail}} and so on
type Context struct {
	Content         []types.ContentGroup
	Notification    *types.Rule
	Settings        *types.Settings
	User            *types.NotificationUser
	Data            []types.DigestItem
	DocURI          string
	PlatformURI     string
	BackgroundColor string
}

func (c *Context) toMap() map[string]any {
	return map[string]any{
		"content":          c.Content,
		"notification":     c.Notification,
		"settings":         c.Settings,
		"user":             c.User,
		"data":             c.Data,
		"doc_uri":          c.DocURI,
		"platform_uri":     c.PlatformURI,
		"background_color": c.BackgroundColor,
	}
}

// Render evaluates a user-authored template against the dispatch
// context. Templates are restricted to variable interpolation and the
// built-in control actions (range, if): no function map is installed,
// so configuration authors cannot reach arbitrary code
func Render(name, text string, ctx *Context) (string, error) {
	tmpl, err := texttemplate.New(name).Option("missingkey=error").Parse(text)
	if err != nil {
		return "", fmt.Errorf("failed to parse template %s: %w", name, err)
	}
	var buf strings.Builder
	if err := tmpl.Execute(&buf, ctx.toMap()); err != nil {
		return "", fmt.Errorf("failed to render template %s: %w", name, err)
	}
	return buf.String(), nil
}

// StripColorMarker removes the leading marker of a hex color value so
// templates can embed it in contexts that supply their own
func StripColorMarker(color string) string {
	return strings.TrimPrefix(color, "#")
}
