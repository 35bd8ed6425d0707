package inference

import "testing"

func TestSanitizeAssistantForContext(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		in   string
		want string
	}{
		{name: "closed think block", in: "<think>plan</think>\nHello there", want: "Hello there"},
		{name: "unclosed think block", in: "keep <think>drop me", want: "keep"},
		{name: "two blocks", in: "a<think>x</think>b<think>y</think>c", want: "abc"},
		{name: "turn sentinels", in: "Answer<|im_end|>\n<|im_start|>", want: "Answer"},
		{name: "plain text", in: "All good.", want: "All good."},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			if got := SanitizeAssistantForContext(tc.in); got != tc.want {
				t.Fatalf("got %q, want %q", got, tc.want)
			}
		})
	}
}

func TestRenderChat(t *testing.T) {
	t.Parallel()
	got := RenderChat([]Message{
		{Role: RoleSystem, Content: "be brief"},
		{Role: RoleUser, Content: "hi"},
	}, true)
	want := "<|im_start|>system\nbe brief<|im_end|>\n<|im_start|>user\nhi<|im_end|>\n<|im_start|>assistant\n"
	if got != want {
		t.Fatalf("RenderChat = %q", got)
	}
	if got := renderContinuation("next", true); got != "<|im_end|>\n<|im_start|>user\nnext<|im_end|>\n<|im_start|>assistant\n" {
		t.Fatalf("renderContinuation = %q", got)
	}
}
