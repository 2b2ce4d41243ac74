package goofish

import (
	"testing"

	"github.com/seastall/fishreply/internal/market"
)

func TestSelectBuyerFragments(t *testing.T) {
	tests := []struct {
		name string
		rows []messageRow
		want []market.Fragment
	}{
		{
			name: "empty thread",
			rows: nil,
			want: nil,
		},
		{
			name: "only messages after sellers last reply",
			rows: []messageRow{
				{Sender: "buyer", Content: "在吗"},
				{Sender: "seller", Content: "在的"},
				{Sender: "buyer", Content: "还能便宜点吗"},
				{Sender: "buyer", Content: "包邮吗"},
			},
			want: []market.Fragment{
				{Text: "还能便宜点吗"},
				{Text: "包邮吗"},
			},
		},
		{
			name: "seller spoke last",
			rows: []messageRow{
				{Sender: "buyer", Content: "在吗"},
				{Sender: "seller", Content: "在的"},
			},
			want: nil,
		},
		{
			name: "system notices dropped",
			rows: []messageRow{
				{Sender: "seller", Content: "好的"},
				{Sender: "buyer", Content: "我已拍下，待付款", IsSystem: true},
				{Sender: "buyer", Content: "发什么快递"},
			},
			want: []market.Fragment{{Text: "发什么快递"}},
		},
		{
			name: "image only fragment kept",
			rows: []messageRow{
				{Sender: "buyer", ImageURLs: []string{"https://img.alicdn.com/x.jpg"}},
			},
			want: []market.Fragment{{ImageURLs: []string{"https://img.alicdn.com/x.jpg"}}},
		},
		{
			name: "blank rows dropped",
			rows: []messageRow{
				{Sender: "buyer", Content: "   "},
				{Sender: "buyer", Content: "你好"},
			},
			want: []market.Fragment{{Text: "你好"}},
		},
		{
			name: "no seller reply yet takes whole thread",
			rows: []messageRow{
				{Sender: "buyer", Content: "在吗"},
				{Sender: "buyer", Content: "这个还有货吗"},
			},
			want: []market.Fragment{{Text: "在吗"}, {Text: "这个还有货吗"}},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := selectBuyerFragments(tt.rows)
			if len(got) != len(tt.want) {
				t.Fatalf("got %d fragments, want %d: %+v", len(got), len(tt.want), got)
			}
			for i := range got {
				if got[i].Text != tt.want[i].Text {
					t.Errorf("fragment %d text = %q, want %q", i, got[i].Text, tt.want[i].Text)
				}
				if len(got[i].ImageURLs) != len(tt.want[i].ImageURLs) {
					t.Errorf("fragment %d images = %v, want %v", i, got[i].ImageURLs, tt.want[i].ImageURLs)
				}
			}
		})
	}
}
