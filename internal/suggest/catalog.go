package suggest

import "golang.org/x/text/language"

var ideasEN = []Suggestion{
	{Title: "clean product hero", Prompt: "Product on a seamless white background with soft studio light", Keywords: []string{"product", "studio"}},
	{Title: "flat lay", Prompt: "Top-down flat lay of the product with seasonal props", Keywords: []string{"flat lay", "props"}},
	{Title: "lifestyle scene", Prompt: "The product in use in a bright modern kitchen, natural morning light", Keywords: []string{"lifestyle"}},
	{Title: "bold promo banner", Prompt: "Bold promotional banner with the logo and large empty space for a headline", Keywords: []string{"promo", "banner"}},
	{Title: "minimal logo mark", Prompt: "A minimal logo mark on a solid brand-colored background", Keywords: []string{"logo"}},
	{Title: "story format teaser", Prompt: "Vertical story teaser with the product close up and blurred background", Keywords: []string{"story", "9:16"}},
}

var ideasID = []Suggestion{
	{Title: "foto produk bersih", Prompt: "Produk di atas latar putih polos dengan cahaya studio lembut", Keywords: []string{"produk", "studio"}},
	{Title: "flat lay", Prompt: "Flat lay produk dari atas dengan properti bertema musiman", Keywords: []string{"flat lay", "properti"}},
	{Title: "suasana sarapan", Prompt: "Produk di meja sarapan dengan cahaya pagi alami", Keywords: []string{"sarapan", "pagi"}},
	{Title: "banner promo hemat", Prompt: "Banner promo dengan logo dan ruang kosong besar untuk judul harga", Keywords: []string{"promo", "hemat"}},
	{Title: "logo minimalis", Prompt: "Logo minimalis di atas latar warna brand", Keywords: []string{"logo"}},
	{Title: "teaser story", Prompt: "Teaser vertikal untuk story dengan produk close up dan latar blur", Keywords: []string{"story", "9:16"}},
}

func catalog(tag language.Tag) []Suggestion {
	base, _ := tag.Base()
	src := ideasEN
	if base.String() == "id" {
		src = ideasID
	}
	out := make([]Suggestion, len(src))
	for i, s := range src {
		s.Source = "idea"
		out[i] = s
	}
	return out
}
