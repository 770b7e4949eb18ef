package render

import "testing"

type component struct {
	OS, Path, Arch string
}

func TestRenderManifest(t *testing.T) {
	e, err := New()
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	tests := []struct {
		name string
		data any
		want string
	}{
		{
			name: "empty",
			data: struct {
				Name       string
				Components []component
			}{Name: "CommonAddin"},
			want: "<?xml version=\"1.0\" encoding=\"UTF-8\" ?>\n" +
				"<bundle xmlns=\"http://v8.1c.ru/8.2/addin/bundle\" name=\"CommonAddin\">\n" +
				"</bundle>\n",
		},
		{
			name: "escaped",
			data: struct {
				Name       string
				Components []component
			}{
				Name: `A&"B"`,
				Components: []component{
					{OS: "Windows", Path: "a.win32.1.dll", Arch: "i386"},
					{OS: "Linux", Path: "<x>", Arch: "x86_64"},
				},
			},
			want: "<?xml version=\"1.0\" encoding=\"UTF-8\" ?>\n" +
				"<bundle xmlns=\"http://v8.1c.ru/8.2/addin/bundle\" name=\"A&amp;&#34;B&#34;\">\n" +
				"\t<component os=\"Windows\" path=\"a.win32.1.dll\" type=\"native\" arch=\"i386\" />\n" +
				"\t<component os=\"Linux\" path=\"&lt;x&gt;\" type=\"native\" arch=\"x86_64\" />\n" +
				"</bundle>\n",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := e.Render("manifest.xml.tmpl", tt.data)
			if err != nil {
				t.Fatalf("Render() error = %v", err)
			}
			if got != tt.want {
				t.Fatalf("Render() =\n%q\nwant\n%q", got, tt.want)
			}
		})
	}
}

func TestNilEngine(t *testing.T) {
	var e *Engine
	if _, err := e.Render("manifest.xml.tmpl", nil); err == nil {
		t.Fatal("nil engine rendered")
	}
}
