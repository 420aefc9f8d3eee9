package sender

const (
	htmlShellHead = `<!DOCTYPE html>
<html>
<head>
<meta charset="utf-8">
<style>
  body { font-family: Arial, sans-serif; background-color: #f2f2f2; margin: 0; padding: 0; }
  .container { max-width: 600px; margin: 0 auto; padding: 20px; background-color: #ffffff; border: 1px solid #cccccc; border-radius: 5px; }
  h1 { color: #333333; }
  p { color: #666666; }
</style>
</head>
<body>
<div class="container">
`
	htmlShellTail = `
</div>
</body>
</html>
`
)

// WrapHTML places campaign content inside the fixed mail layout. Content is
// trusted HTML authored by the campaign owner and is not escaped.
func WrapHTML(content string) string {
	return htmlShellHead + content + htmlShellTail
}
